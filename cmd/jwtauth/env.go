package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

func defaultEnvPath() string {
	if path := os.Getenv("JWTAUTH_ENV_FILE"); path != "" {
		return path
	}
	return ".env"
}

// loadEnvFile exports the variables in path without overriding ones that
// are already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
