package config

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// DotEnvPath returns the absolute path to persona's dotenv file (~/.persona/.env).
func DotEnvPath() (string, error) {
	dir, err := PersonaDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ".env"), nil
}

// LoadDotEnv exports the variables of ~/.persona/.env into the process
// environment. Variables already set in the environment win. A missing file
// is not an error.
func LoadDotEnv() error {
	p, err := DotEnvPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(p); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(p); err != nil {
		return errors.Wrapf(err, "cannot load dotenv file %s", p)
	}
	return nil
}

// ReadDotEnv returns the key/value pairs of ~/.persona/.env without touching
// the environment.
func ReadDotEnv() (map[string]string, error) {
	p, err := DotEnvPath()
	if err != nil {
		return nil, err
	}
	m, err := godotenv.Read(p)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, errors.Wrapf(err, "cannot read dotenv file %s", p)
	}
	return m, nil
}

// EnsureDotEnvTemplate creates ~/.persona/.env if it does not already exist.
//
// The template lists the embeddings keys with empty values so users can fill
// them in when they switch to a remote provider.
func EnsureDotEnvTemplate() error {
	p, err := DotEnvPath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(p); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "cannot stat dotenv file %s", p)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return errors.Wrapf(err, "cannot create %s", filepath.Dir(p))
	}

	body := "" +
		"PERSONA_EMBEDDINGS_PROVIDER=\n" +
		"PERSONA_EMBEDDINGS_MODEL=\n" +
		"PERSONA_EMBEDDINGS_API_KEY=\n"

	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		return errors.Wrapf(err, "cannot write dotenv template %s", p)
	}
	return nil
}
