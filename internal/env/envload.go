package env

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// EnvDotenvPath points at an explicit .env file and disables the upward search.
const EnvDotenvPath = "DEVICEAGENT_DOTENV"

var (
	loadOnce   sync.Once
	loadedPath string
	loadErr    error
)

// Ensure loads DEVICEAGENT_DOTENV, or else the nearest .env found walking up
// from the working directory. Only the first call does any work.
func Ensure() error {
	// tests stay hermetic unless GOTEST_LOAD_DOTENV=1
	if runningUnderGoTest() && os.Getenv("GOTEST_LOAD_DOTENV") != "1" {
		return nil
	}
	loadOnce.Do(func() {
		path, err := resolveDotEnv()
		if err != nil {
			loadErr = err
			log.Debug().Err(err).Msg("search dotenv file failed")
			return
		}
		if path == "" {
			return
		}
		// values already exported in the shell win over the file
		if err := godotenv.Load(path); err != nil {
			loadErr = errors.Wrapf(err, "load dotenv %s", path)
			log.Warn().Err(err).Str("dotenv", path).Msg("load dotenv file failed")
			return
		}
		loadedPath = path
		log.Debug().Str("dotenv", path).Msg("dotenv file loaded")
	})
	return loadErr
}

// LoadedPath returns the .env file Ensure loaded, or "".
func LoadedPath() string {
	return loadedPath
}

func runningUnderGoTest() bool {
	if strings.HasSuffix(os.Args[0], ".test") {
		return true
	}
	for _, arg := range os.Args[1:] {
		if strings.HasPrefix(arg, "-test.") {
			return true
		}
	}
	return false
}

func resolveDotEnv() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv(EnvDotenvPath)); explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", errors.Wrap(err, "stat explicit dotenv")
		}
		return explicit, nil
	}
	dir, err := os.Getwd()
	if err != nil {
		return "", errors.Wrap(err, "get working directory")
	}
	for {
		candidate := filepath.Join(dir, ".env")
		info, err := os.Stat(candidate)
		switch {
		case err == nil && !info.IsDir():
			return candidate, nil
		case err != nil && !os.IsNotExist(err):
			return "", errors.Wrapf(err, "stat %s", candidate)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}
