// Command bootstrap-admin prints the bcrypt hash to configure as
// ADGATE_ADMIN_PASSWORD_HASH and can revoke every stored admin session.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"adgate/internal/admin"
	"adgate/internal/storage"
)

func main() {
	password := flag.String("password", "", "admin password to hash (read from stdin when empty)")
	revoke := flag.Bool("revoke-sessions", false, "delete every stored admin session")
	driver := flag.String("storage-driver", "", "datastore backend for -revoke-sessions (json or postgres)")
	dataDir := flag.String("data-dir", "data", "JSON data directory")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *revoke {
		repo, err := openRepository(*driver, *dataDir, *postgresDSN, logger)
		if err != nil {
			logger.Error("failed to open repository", "error", err)
			os.Exit(1)
		}
		defer repo.Close(context.Background())

		removed, err := admin.NewSessionManager(repo, "").RevokeAll(context.Background())
		if err != nil {
			logger.Error("failed to revoke admin sessions", "error", err)
			os.Exit(1)
		}
		logger.Info("admin sessions revoked", "count", removed)
		if strings.TrimSpace(*password) == "" {
			return
		}
	}

	secret := *password
	if secret == "" {
		var err error
		secret, err = readPassword(os.Stdin)
		if err != nil {
			logger.Error("failed to read password", "error", err)
			os.Exit(1)
		}
	}

	hash, err := admin.HashPassword(secret)
	if err != nil {
		logger.Error("failed to hash password", "error", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}

func readPassword(r io.Reader) (string, error) {
	fmt.Fprint(os.Stderr, "Admin password: ")
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("password is empty")
	}
	return line, nil
}

func openRepository(driver, dataDir, dsn string, logger *slog.Logger) (storage.Repository, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		driver = strings.ToLower(strings.TrimSpace(os.Getenv("ADGATE_STORAGE_DRIVER")))
	}
	switch driver {
	case "", "json":
		return storage.NewJSONRepository(dataDir, storage.WithLogger(logger))
	case "postgres":
		if strings.TrimSpace(dsn) == "" {
			dsn = os.Getenv("ADGATE_POSTGRES_DSN")
		}
		if strings.TrimSpace(dsn) == "" {
			return nil, errors.New("postgres DSN required")
		}
		return storage.NewPostgresRepository(dsn, storage.WithLogger(logger))
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}
