package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment keys holding secrets. Values are never read from the config file
// so they stay out of config hashes and change summaries.
const (
	EnvEmail         = "BOOKBOT_EMAIL"
	EnvPassword      = "BOOKBOT_PASSWORD"
	EnvTelegramToken = "BOOKBOT_TELEGRAM_TOKEN"
	EnvSMTPPassword  = "BOOKBOT_SMTP_PASSWORD"
)

type Secrets struct {
	Email         string
	Password      string
	TelegramToken string
	SMTPPassword  string
}

// LoadSecrets reads secrets from envFile (if it exists) and the process
// environment. Process environment wins over the file.
func LoadSecrets(envFile string) (Secrets, error) {
	fileVals := map[string]string{}
	if p := strings.TrimSpace(envFile); p != "" {
		vals, err := godotenv.Read(p)
		switch {
		case err == nil:
			fileVals = vals
		case errors.Is(err, fs.ErrNotExist):
		default:
			return Secrets{}, fmt.Errorf("read %s: %w", p, err)
		}
	}

	get := func(key string) string {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return strings.TrimSpace(fileVals[key])
	}

	return Secrets{
		Email:         get(EnvEmail),
		Password:      get(EnvPassword),
		TelegramToken: get(EnvTelegramToken),
		SMTPPassword:  get(EnvSMTPPassword),
	}, nil
}

// HasCredentials reports whether API login can be attempted.
func (s Secrets) HasCredentials() bool {
	return s.Email != "" && s.Password != ""
}
