// Command generate-schema writes the JSON schema of the DittoBox
// configuration file, for editor completion and CI checks of sample configs.
//
//	generate-schema [-o config.schema.json]
//	generate-schema -o -        # print to stdout
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/invopop/jsonschema"
	"github.com/marmos91/dittobox/pkg/config"
)

const schemaID = "https://github.com/marmos91/dittobox/config.schema.json"

func main() {
	output := flag.String("o", "config.schema.json", "output file, or - for stdout")
	flag.Parse()

	if err := run(*output); err != nil {
		fmt.Fprintf(os.Stderr, "generate-schema: %v\n", err)
		os.Exit(1)
	}
}

func run(output string) error {
	if output == "-" {
		return writeSchema(os.Stdout)
	}

	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create %s: %w", output, err)
	}
	if err := writeSchema(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", output, err)
	}

	fmt.Printf("JSON schema written to %s\n", output)
	return nil
}

// buildSchema reflects config.Config. Property names come from the
// mapstructure tags so they match the keys viper reads.
func buildSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		FieldNameTag:              "mapstructure",
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	schema := reflector.Reflect(&config.Config{})
	schema.ID = jsonschema.ID(schemaID)
	schema.Title = "DittoBox Configuration"
	schema.Description = "Configuration file of the DittoBox storage server"
	return schema
}

func writeSchema(w io.Writer) error {
	data, err := json.MarshalIndent(buildSchema(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
