// Command migrate manages the database schema via goose.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/zamopay/settle/internal/config"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: migrate [-dir path] <command> [args]")
	fmt.Fprintln(os.Stderr, "commands: up, up-to N, down, down-to N, redo, status, version")
	os.Exit(2)
}

func main() {
	dir := flag.String("dir", "migrations", "migrations directory")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "migrate: open database:", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		fmt.Fprintln(os.Stderr, "migrate: connect:", err)
		os.Exit(1)
	}

	command := flag.Arg(0)
	if err := goose.RunContext(context.Background(), command, db, *dir, flag.Args()[1:]...); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %s: %v\n", command, err)
		os.Exit(1)
	}
}
