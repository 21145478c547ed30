package pqdriver

import (
	"os"
	"os/user"
	"path/filepath"
)

func defaultSettings() map[string]string {
	settings := make(map[string]string)

	settings["host"] = defaultHost()
	settings["port"] = "5432"

	// Default to the OS user name. Purposely ignoring err getting user name
	// from OS. The client application will simply have to specify the user
	// in that case (which they typically will be doing anyway).
	osUser, err := user.Current()
	if err == nil {
		settings["user"] = osUser.Username
		settings["passfile"] = filepath.Join(osUser.HomeDir, ".pgpass")
		settings["servicefile"] = filepath.Join(osUser.HomeDir, ".pg_service.conf")
	}

	settings["sslmode"] = "disable"

	return settings
}

// defaultHost attempts to mimic libpq's default host lookup: prefer a unix
// socket directory that exists, otherwise localhost.
func defaultHost() string {
	candidatePaths := []string{
		"/var/run/postgresql", // Debian
		"/private/tmp",        // OSX - homebrew
		"/tmp",                // standard PostgreSQL
	}

	for _, path := range candidatePaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return "localhost"
}
