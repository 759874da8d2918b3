package confkit

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/joho/godotenv"
)

var dotenvOnce sync.Once

// LoadDotenvOnce loads a .env file into the environment exactly once per
// process, before any config section reads ${VAR} references. Both binaries
// and the provider loader call it, so the guard keeps repeated entry points
// harmless. Existing variables win unless DOTENV_OVERLOAD=1 is set, and
// NO_DOTENV=1 disables the lookup entirely.
func LoadDotenvOnce() {
	dotenvOnce.Do(loadDotenv)
}

func loadDotenv() {
	if os.Getenv("NO_DOTENV") == "1" {
		return
	}

	load := godotenv.Load
	if os.Getenv("DOTENV_OVERLOAD") == "1" {
		load = godotenv.Overload
	}

	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		_ = load(envFile)
		return
	}

	// Walk from this source file toward the module root so tests running in
	// package directories pick up the repo-level .env.
	if _, file, _, ok := runtime.Caller(0); ok {
		dir := filepath.Dir(file)
		for i := 0; i < 8; i++ {
			_ = load(filepath.Join(dir, ".env"))
			if fileExists(filepath.Join(dir, "go.mod")) || fileExists(filepath.Join(dir, ".git")) {
				return
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
		return
	}

	_ = load(".env")
}

func fileExists(p string) bool {
	if p == "" {
		return false
	}
	_, err := os.Stat(p)
	return err == nil
}
