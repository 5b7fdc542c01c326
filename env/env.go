package env

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

var (
	validationsMu sync.Mutex
	validations   = map[string]string{}
	validate      = validator.New()
)

// RegisterValidation registers a validation rule for an environment variable.
// Packages call this from init so that ValidateEnv can check every requirement
// once at startup.
func RegisterValidation(key string, rule string) {
	validationsMu.Lock()
	defer validationsMu.Unlock()
	if existing, ok := validations[key]; ok && existing != rule {
		validations[key] = existing + "," + rule
		return
	}
	validations[key] = rule
}

// SetDefaults seeds defaults for every knob the services read. Values here mirror
// the production configuration; anything security-sensitive has no default.
func SetDefaults() {
	viper.SetDefault("ENV", "local")
	viper.SetDefault("PORT", 4000)
	viper.SetDefault("RPC_URL", "http://localhost:8545")
	viper.SetDefault("CHAIN_ID", 1337)
	viper.SetDefault("CONTRACT_ADDRESS", "")
	viper.SetDefault("RBAC_CONTRACT_ADDRESS", "")
	viper.SetDefault("PRIVATE_KEY", "")
	viper.SetDefault("IPFS_URL", "http://localhost:5001")
	viper.SetDefault("IPFS_FALLBACK_URLS", "https://ipfs.io/api/v0")
	viper.SetDefault("IPFS_PROJECT_ID", "")
	viper.SetDefault("IPFS_PROJECT_SECRET", "")
	viper.SetDefault("IPFS_MAX_RETRIES", 3)
	viper.SetDefault("UPLOAD_CHUNK_SIZE", 2*1024*1024)
	viper.SetDefault("MAX_FILE_SIZE", 50*1024*1024)
	viper.SetDefault("ALLOWED_FILE_TYPES", "image/*,video/*,audio/*,application/pdf,text/plain")
	viper.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	viper.SetDefault("SENTRY_DSN", "")
	viper.AutomaticEnv()
}

// ValidateEnv checks every registered validation against the current environment
// and panics with the full list of violations so misconfiguration fails loudly.
func ValidateEnv() {
	validationsMu.Lock()
	defer validationsMu.Unlock()

	var errs []string
	for key, rule := range validations {
		if err := validate.Var(viper.Get(key), rule); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %s", key, err))
		}
	}
	if len(errs) > 0 {
		panic("invalid environment: " + strings.Join(errs, "; "))
	}
}

func GetString(key string) string { return viper.GetString(key) }

func GetInt(key string) int { return viper.GetInt(key) }

func GetInt64(key string) int64 { return viper.GetInt64(key) }

func GetBool(key string) bool { return viper.GetBool(key) }

// GetStringSlice splits a comma-separated value, trimming whitespace and
// dropping empty entries.
func GetStringSlice(key string) []string {
	raw := viper.GetString(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
