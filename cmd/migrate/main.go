// Command migrate applies or rolls back the SQL migrations.
//
//	migrate up
//	migrate down
//	migrate to 1
//	migrate force 1
//	migrate version
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"ms-fulfillment/internal/config"
	"ms-fulfillment/internal/database/migrations"
	"ms-fulfillment/internal/logger"

	"github.com/joho/godotenv"
)

func main() {
	dir := flag.String("dir", "", "migrations directory (default MIGRATIONS_DIR)")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: migrate [-dir path] up|down|to N|force N|version")
	}
	flag.Parse()

	log := logger.NewLogger()
	defer log.Close()

	_ = godotenv.Load()
	cfg := config.Load()
	if *dir == "" {
		*dir = cfg.Database.MigrationsDir
	}

	runner := migrations.NewRunner(cfg.Database.DSN(), migrations.Options{Dir: *dir}, log)
	err := run(runner, flag.Args())
	if cerr := runner.Close(); cerr != nil {
		log.Warn("MIGRATE", fmt.Sprintf("Failed to close migrator: %v", cerr))
	}
	if err != nil {
		log.Error("MIGRATE", err.Error())
		flag.Usage()
		log.Close()
		os.Exit(1)
	}
}

func run(r *migrations.Runner, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("missing command")
	}
	switch args[0] {
	case "up":
		return r.Up()
	case "down":
		return r.Down()
	case "to", "force":
		if len(args) != 2 {
			return fmt.Errorf("%s needs a version", args[0])
		}
		v, err := strconv.Atoi(args[1])
		if err != nil || v < 0 {
			return fmt.Errorf("invalid version %q", args[1])
		}
		if args[0] == "to" {
			return r.To(uint(v))
		}
		return r.Force(v)
	case "version":
		v, dirty, err := r.Version()
		if err != nil {
			return err
		}
		fmt.Printf("version %d dirty=%t\n", v, dirty)
		return nil
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}
