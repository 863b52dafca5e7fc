package surrealnormalize

import "os"

// Environment variables consulted by NewConfig.
const (
	EnvSurrealDBURL  = "SURREALDB_URL"
	EnvSurrealDBUser = "SURREALDB_USER"
	EnvSurrealDBPass = "SURREALDB_PASS"
	EnvMongoDBURI    = "MONGODB_URI"
	EnvPostgresDSN   = "POSTGRES_DSN"
)

func GetEnvOrDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	return value
}
