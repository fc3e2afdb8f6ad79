package env

import (
	"context"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

var validators = map[string][]string{}

var v = validator.New()

var validatorsMu = &sync.Mutex{}

// RegisterValidation attaches validator tags to an env var name; the tags
// are checked on every read.
func RegisterValidation(name string, tags ...string) {
	validatorsMu.Lock()
	defer validatorsMu.Unlock()
	validators[name] = dedupe(append(validators[name], tags...))
}

// Get returns the value of the named configuration variable, or the zero
// value when unset or mistyped.
func Get[T any](ctx context.Context, name string) T {
	func() {
		validatorsMu.Lock()
		defer validatorsMu.Unlock()
		for _, tag := range validators[name] {
			if err := v.Var(viper.Get(name), tag); err != nil {
				logrus.WithContext(ctx).Errorf("invalid env var: %s, tag: %s, err: %s", name, tag, err.Error())
			}
		}
	}()

	if !viper.IsSet(name) {
		return *new(T)
	}

	it, ok := viper.Get(name).(T)
	if !ok {
		logrus.WithContext(ctx).Errorf("invalid env var: %s, expected type: %T", name, it)
		return *new(T)
	}

	return it
}

// GetString is a convenience accessor that also applies viper's string
// coercion for values sourced from the environment.
func GetString(name string) string {
	return viper.GetString(name)
}

// GetInt returns the named variable coerced to int, or def when unset.
func GetInt(name string, def int) int {
	if !viper.IsSet(name) {
		return def
	}
	return viper.GetInt(name)
}

// GetInt64 returns the named variable coerced to int64.
func GetInt64(name string) int64 {
	return viper.GetInt64(name)
}

// Init binds environment variables into viper. Call once at startup.
func Init() {
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

func dedupe(s []string) []string {
	seen := map[string]bool{}
	out := s[:0]
	for _, it := range s {
		if !seen[it] {
			seen[it] = true
			out = append(out, it)
		}
	}
	return out
}
