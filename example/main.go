package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"go.uber.org/zap"

	"github.com/aperturerobotics/go-quickjs-wasi-sandbox/guest"
	"github.com/aperturerobotics/go-quickjs-wasi-sandbox/host"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatal("usage: example <qjs-sandbox.wasm>")
	}

	ctx := context.Background()

	moduleBinary, err := os.ReadFile(os.Args[1])
	if err != nil {
		log.Fatal(err)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	cfg, err := host.Load()
	if err != nil {
		log.Fatal(err)
	}

	l := host.NewLoader(host.WithConfig(cfg), host.WithLogger(logger))
	defer l.Close(ctx)

	script := &guest.ScriptUnit{
		Name: "pipeline.js",
		Source: `
function transform(record) {
	return { id: record.id, total: record.price * record.qty };
}
`,
	}

	inst, err := l.StartCold(ctx, moduleBinary, script)
	if err != nil {
		log.Fatal(err)
	}
	defer l.Shutdown(ctx, inst)

	out, err := l.Call(ctx, inst, "transform", map[string]any{
		"id":    "order-1",
		"price": 9.5,
		"qty":   4,
	})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("transform: %v\n", out)

	// Warm instances can be frozen and restored elsewhere, skipping
	// engine construction and script parsing.
	blob, err := l.CaptureSnapshot(ctx, inst)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("snapshot: %d bytes\n", len(blob))

	restored, err := l.StartFromSnapshot(ctx, moduleBinary, blob)
	if err != nil {
		log.Fatal(err)
	}
	defer l.Shutdown(ctx, restored)

	out, err = l.Call(ctx, restored, "transform", map[string]any{
		"id":    "order-2",
		"price": 3.0,
		"qty":   7,
	})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("transform (restored): %v\n", out)
}
