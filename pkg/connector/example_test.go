package connector_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/ajitpratap0/opsflow/pkg/config"
	"github.com/ajitpratap0/opsflow/pkg/connector/core"
	"github.com/ajitpratap0/opsflow/pkg/connector/sources"
)

// Example builds a file connector through the registry and reads it page by
// page.
func Example() {
	dir, err := os.MkdirTemp("", "connector-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "pos.csv")
	data := "order_id,total\nA1,10.00\nA2,5.50\nA3,7.25\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		log.Fatal(err)
	}

	reg, err := sources.NewRegistry(nil)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(reg.Types())

	conn, err := reg.Create(config.ConnectorConfig{
		Name:   "pos_file",
		Type:   core.TypeFile,
		Source: "pos",
		Params: map[string]interface{}{"path": path, "page_size": 2},
	}, core.Dependencies{})
	if err != nil {
		log.Fatal(err)
	}
	ctx := context.Background()
	defer conn.Close(ctx)

	err = conn.ExtractPages(ctx, core.QueryParams{}, func(_ context.Context, p core.Page) error {
		fmt.Printf("page %d: %d records, checkpoint %s\n", p.Number, len(p.Records), p.Checkpoint)
		return nil
	})
	if err != nil {
		log.Fatal(err)
	}

	// Output:
	// [database file mongodb rest]
	// page 0: 2 records, checkpoint 2
	// page 1: 1 records, checkpoint 3
}
