package database

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/stockapp/crawlsync/internal/config"
)

// BuildURL returns the connection string for cfg. DATABASE_URL wins; otherwise
// a Cloud SQL instance is reached over the unix socket Cloud Run mounts at
// /cloudsql/<instance>. An empty result means no database is configured.
func BuildURL(cfg config.DatabaseConfig) (string, error) {
	if cfg.URL != "" {
		return cfg.URL, nil
	}
	if cfg.InstanceConnectionName == "" {
		return "", nil
	}
	if cfg.User == "" || cfg.Name == "" {
		return "", fmt.Errorf("DB_USER and DB_NAME must be set when using INSTANCE_CONNECTION_NAME")
	}

	parts := []string{
		"host=" + quoteDSN("/cloudsql/" + cfg.InstanceConnectionName),
		"user=" + quoteDSN(cfg.User),
	}
	// No password means IAM database authentication.
	if cfg.Password != "" {
		parts = append(parts, "password="+quoteDSN(cfg.Password))
	}
	parts = append(parts, "dbname="+quoteDSN(cfg.Name), "sslmode=disable")
	return strings.Join(parts, " "), nil
}

// RedactURL hides the password of a connection string for logging.
func RedactURL(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "<unparseable database url>"
		}
		return u.Redacted()
	}

	fields := strings.Fields(dsn)
	for i, field := range fields {
		if strings.HasPrefix(field, "password=") {
			fields[i] = "password=xxxxx"
		}
	}
	return strings.Join(fields, " ")
}

// quoteDSN quotes a key/value connection string value when it needs it.
func quoteDSN(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(v) + "'"
}
