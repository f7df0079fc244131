package gcp

import (
	"os"
	"strings"

	"google.golang.org/api/option"
)

// ClientOptionsFromEnv builds the shared client options for every GCP
// service client. GOOGLE_APPLICATION_CREDENTIALS_JSON (inline JSON) wins
// over GOOGLE_APPLICATION_CREDENTIALS (file path); with neither set the
// clients fall back to ambient ADC.
func ClientOptionsFromEnv() []option.ClientOption {
	if raw := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON")); raw != "" {
		return []option.ClientOption{option.WithCredentialsJSON([]byte(raw))}
	}
	if path := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")); path != "" {
		return []option.ClientOption{option.WithCredentialsFile(path)}
	}
	return nil
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(strings.ReplaceAll(s, " ", " ")), " ")
}
