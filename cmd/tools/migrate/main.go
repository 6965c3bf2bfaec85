// Command migrate applies the vidhub schema to a Postgres database and
// optionally creates users.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"time"

	"vidhub/internal/bootstrap"
	"vidhub/internal/storage"
)

func main() {
	envFile := flag.String("env-file", ".env", "dotenv file loaded before reading VIDHUB_* variables")
	users := flag.String("create-users", "", "comma separated usernames to create after migrating")
	timeout := flag.Duration("timeout", time.Minute, "overall timeout")
	logFlags := bootstrap.RegisterLogFlags(flag.CommandLine)
	storeFlags := bootstrap.RegisterStoreFlags(flag.CommandLine)
	flag.Parse()

	envErr := bootstrap.LoadEnvFile(*envFile)
	logger := logFlags.Init()
	if envErr != nil {
		logger.Error("failed to load env file", "error", envErr)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	repo, err := storeFlags.Postgres()
	if err != nil {
		logger.Error("failed to open postgres repository", "error", err)
		os.Exit(1)
	}
	defer bootstrap.Close(context.Background(), logger, repo)

	if err := repo.Migrate(ctx); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
	logger.Info("schema applied")

	for _, username := range bootstrap.SplitAndTrim(*users) {
		user, err := repo.CreateUser(ctx, username)
		switch {
		case errors.Is(err, storage.ErrConflict):
			logger.Info("user already exists", "username", username)
		case err != nil:
			logger.Error("failed to create user", "username", username, "error", err)
			os.Exit(1)
		default:
			logger.Info("created user", "username", user.Username, "user_id", user.ID)
		}
	}
}
