// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// canopy runs Claude CLI sessions behind an HTTP and WebSocket API.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/wingedpig/canopy/internal/app"
	"github.com/wingedpig/canopy/internal/config"
)

var version = "dev"

func main() {
	// Subcommands are checked before flag parsing
	if len(os.Args) > 1 && os.Args[1] == "init" {
		if err := runInit(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	var (
		configPath  string
		host        string
		port        int
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.StringVar(&configPath, "c", "", "path to config file (shorthand)")
	flag.StringVar(&host, "host", "", "override server host")
	flag.IntVar(&port, "port", 0, "override server port")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.BoolVar(&showVersion, "v", false, "print version and exit (shorthand)")
	flag.Parse()

	if showVersion {
		fmt.Printf("canopy %s\n", version)
		return
	}

	if configPath == "" {
		found, err := config.NewLoader().FindConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			fmt.Fprintf(os.Stderr, "Run 'canopy init' to create one, or pass -config.\n")
			os.Exit(1)
		}
		configPath = found
	}

	application, err := app.New(app.Options{
		ConfigPath: configPath,
		Host:       host,
		Port:       port,
		Version:    version,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := application.Run(context.Background()); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

// runInit interactively generates a starter canopy.hjson in the current
// directory.
func runInit() error {
	const path = "canopy.hjson"
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	fmt.Println("Creating a new canopy config.")
	fmt.Println()

	project := prompt("Project name", "my-project")
	command := prompt("Claude CLI command", "claude")
	port := prompt("Server port", "1234")

	cfg := generateConfig(project, command, port)
	if err := os.WriteFile(path, []byte(cfg), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	fmt.Println()
	fmt.Printf("Wrote %s. Start the server with: canopy\n", path)
	return nil
}

// prompt reads a line from stdin, returning def when the answer is empty.
func prompt(label, def string) string {
	fmt.Printf("%s [%s]: ", label, def)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return def
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return def
	}
	return line
}

// escapeHJSONValue quotes a value for embedding in the generated config.
func escapeHJSONValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

func generateConfig(project, command, port string) string {
	var b strings.Builder
	b.WriteString("{\n")
	b.WriteString("    version: \"1.0\"\n")
	fmt.Fprintf(&b, "    project: { name: \"%s\" }\n", escapeHJSONValue(project))
	b.WriteString("\n")
	b.WriteString("    server: {\n")
	fmt.Fprintf(&b, "        port: %s\n", port)
	b.WriteString("        // host: \"127.0.0.1\"\n")
	b.WriteString("        // tls_cert: \"~/certs/cert.pem\"\n")
	b.WriteString("        // tls_key: \"~/certs/key.pem\"\n")
	b.WriteString("    }\n")
	b.WriteString("\n")
	b.WriteString("    claude: {\n")
	fmt.Fprintf(&b, "        command: \"%s\"\n", escapeHJSONValue(command))
	b.WriteString("        // model: \"sonnet\"\n")
	b.WriteString("    }\n")
	b.WriteString("\n")
	b.WriteString("    sessions: {\n")
	b.WriteString("        // Where session state is persisted\n")
	b.WriteString("        state_dir: \".canopy\"\n")
	b.WriteString("    }\n")
	b.WriteString("\n")
	b.WriteString("    events: {\n")
	b.WriteString("        history: {\n")
	b.WriteString("            max_events: 10000\n")
	b.WriteString("            max_age: \"1h\"\n")
	b.WriteString("        }\n")
	b.WriteString("    }\n")
	b.WriteString("}\n")
	return b.String()
}
