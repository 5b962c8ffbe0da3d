package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

const defaultEnvFile = ".env"

var (
	envFlag  string
	envOnce  sync.Once
	envError error
)

// validator is implemented by config structs that check their own fields.
type validator interface {
	Validate() error
}

func MustNew[T any](prefix string) *T {
	conf, err := New[T](prefix)
	if err != nil {
		panic(err)
	}
	return conf
}

// New exports the env file once per process (the -env flag, else ./.env if
// present) and then reads PREFIX_* variables into T.
func New[T any](prefix string) (*T, error) {
	envOnce.Do(func() {
		envError = loadEnvFile(envFilePath())
	})
	if envError != nil {
		return nil, envError
	}

	var conf T
	if err := envconfig.Process(prefix, &conf); err != nil {
		return nil, fmt.Errorf("read %s config: %w", strings.ToLower(prefix), err)
	}
	if v, ok := any(&conf).(validator); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("invalid %s config: %w", strings.ToLower(prefix), err)
		}
	}
	return &conf, nil
}

func envFilePath() string {
	if flag.Lookup("env") == nil {
		flag.StringVar(&envFlag, "env", "", "path to .env file")
	}
	if !flag.Parsed() {
		flag.Parse()
	}
	return strings.TrimSpace(envFlag)
}

func loadEnvFile(path string) error {
	explicit := path != ""
	if !explicit {
		path = defaultEnvFile
	}
	info, err := os.Stat(path)
	switch {
	case err == nil && info.IsDir():
		return nil
	case errors.Is(err, os.ErrNotExist) && !explicit:
		return nil
	case err != nil:
		return fmt.Errorf("env file %s: %w", path, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("env file %s: %w", path, err)
	}
	for k, val := range v.AllSettings() {
		key := strings.ToUpper(k)
		// Real environment wins over the file.
		if _, set := os.LookupEnv(key); set {
			continue
		}
		if err := os.Setenv(key, fmt.Sprint(val)); err != nil {
			return err
		}
	}
	return nil
}
