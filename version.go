package quickjswasi

// Sandbox module ABI version information
const (
	// ShimABIVersion identifies the WL_* value-shim export surface.
	// Snapshots record the version they were produced against; restoring a
	// snapshot whose recorded version differs is rejected.
	ShimABIVersion uint32 = 1

	// ExpectedReactorVersion is the QuickJS-NG reactor line this ABI was
	// validated against. Built from paralin/quickjs wasi-reactor-libc.
	ExpectedReactorVersion = "v0.11.0-wasi-reactor-libc"
)
