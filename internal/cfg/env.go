package cfg

import (
	"fmt"
	"os"
	"regexp"

	"github.com/joho/godotenv"
)

var envPlaceholderRe = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// ExpandEnv replaces all ${VAR} placeholders in s with the value of the
// environment variable VAR.
// An error is returned if a referenced variable is not set.
func ExpandEnv(s string) (string, error) {
	var err error

	res := envPlaceholderRe.ReplaceAllStringFunc(s, func(m string) string {
		name := envPlaceholderRe.FindStringSubmatch(m)[1]

		val, exist := os.LookupEnv(name)
		if !exist {
			if err == nil {
				err = fmt.Errorf("environment variable %q referenced in configuration is not set", name)
			}
			return m
		}

		return val
	})
	if err != nil {
		return "", err
	}

	return res, nil
}

// LoadEnvFile sets the environment variables defined in a dotenv file.
// Variables that are already set in the environment are not overwritten.
func LoadEnvFile(path string) error {
	return godotenv.Load(path)
}
