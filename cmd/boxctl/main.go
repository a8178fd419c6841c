// Command boxctl runs a single command against a DittoBox server.
//
//	boxctl -addr localhost:8080 -user alice -password secret upload notes.txt
//	boxctl -user alice -password secret list
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/marmos91/dittobox/pkg/client"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "Server address")
	username := flag.String("user", "", "Account name")
	password := flag.String("password", "", "Account password")
	signup := flag.Bool("signup", false, "Create the account before running the command")
	framing := flag.String("framing", "sentinel", "Payload framing (sentinel or length)")
	timeout := flag.Duration("timeout", 30*time.Second, "Per-command timeout")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: boxctl [flags] <upload FILE [NAME] | download NAME [DEST] | delete NAME | list>\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 || *username == "" {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*addr, *username, *password, *signup, client.Options{
		Framing: *framing,
		Timeout: *timeout,
	}, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(addr, username, password string, signup bool, opts client.Options, args []string) error {
	ctx := context.Background()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	c, err := client.Dial(ctx, addr, opts)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	if signup {
		if err := c.Signup(username, password); err != nil {
			return fmt.Errorf("signup: %w", err)
		}
	}
	if err := c.Login(username, password); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	switch cmd := args[0]; {
	case cmd == "upload" && len(args) >= 2:
		name := filepath.Base(args[1])
		if len(args) >= 3 {
			name = args[2]
		}
		if err := c.UploadFile(name, args[1]); err != nil {
			return err
		}
		fmt.Printf("Uploaded %s\n", name)

	case cmd == "download" && len(args) >= 2:
		data, err := c.Download(args[1])
		if err != nil {
			return err
		}
		dest := args[1]
		if len(args) >= 3 {
			dest = args[2]
		}
		if err := os.WriteFile(dest, data, 0644); err != nil {
			return err
		}
		fmt.Printf("Downloaded %s (%d bytes)\n", dest, len(data))

	case cmd == "delete" && len(args) >= 2:
		if err := c.Delete(args[1]); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", args[1])

	case cmd == "list":
		report, err := c.List()
		if err != nil {
			return err
		}
		fmt.Print(report)

	default:
		return fmt.Errorf("unknown or incomplete command %q", cmd)
	}

	return c.Quit()
}
