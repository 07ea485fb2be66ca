package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/curatelib/safsuite/swift"
	"github.com/curatelib/safsuite/uploader"
)

// Config collects everything the commands need. Values come from the
// TOML file named by -config, then flags override, then OS_* variables
// fill in the credentials.
type Config struct {
	AuthURL        string
	Project        string
	Username       string
	Container      string
	ChunkSizeMB    int64
	Workers        int
	DocExt         string
	SessionDir     string
	SentryDSN      string
	OrphanBlocking bool
	RetryAttempts  int
	RetryDelayMS   int

	// derived
	ChunkSize int64 `toml:"-"`
}

func loadConfig(path string) Config {
	var config Config
	if path != "" {
		if _, err := toml.DecodeFile(path, &config); err != nil {
			fmt.Fprintln(os.Stderr, "Error reading", path, ":", err)
			os.Exit(1)
		}
	}

	// flags given on the command line win
	flagSet := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { flagSet[f.Name] = true })
	if flagSet["container"] || config.Container == "" {
		config.Container = *container
	}
	if flagSet["chunksize"] || config.ChunkSizeMB == 0 {
		config.ChunkSizeMB = *chunksize
	}
	if flagSet["ul"] || config.Workers == 0 {
		config.Workers = *numuploaders
	}
	if flagSet["docext"] || config.DocExt == "" {
		config.DocExt = *docext
	}
	if flagSet["sessions"] || config.SessionDir == "" {
		config.SessionDir = *sessiondir
	}
	if flagSet["strict-orphans"] {
		config.OrphanBlocking = *orphansBlock
	}

	config.ChunkSize = config.ChunkSizeMB * 1024 * 1024
	if config.ChunkSize <= 0 {
		config.ChunkSize = uploader.DefaultChunkSize
	}
	return config
}

// resolveCredentials builds swift credentials from, in order, the
// config file, an openrc file, and OS_* environment variables. The
// password only ever comes from the environment or an interactive
// prompt, never from a file.
func resolveCredentials(config Config) (swift.Credentials, error) {
	creds := swift.Credentials{
		AuthURL:  config.AuthURL,
		Project:  config.Project,
		Username: config.Username,
	}

	if *rcFile != "" {
		rc, err := parseOpenRC(*rcFile)
		if err != nil {
			return creds, err
		}
		apply(&creds.AuthURL, rc["OS_AUTH_URL"])
		apply(&creds.Project, rc["OS_PROJECT_NAME"])
		apply(&creds.Project, rc["OS_TENANT_NAME"])
		apply(&creds.Username, rc["OS_USERNAME"])
	}

	apply(&creds.AuthURL, os.Getenv("OS_AUTH_URL"))
	apply(&creds.Project, os.Getenv("OS_PROJECT_NAME"))
	apply(&creds.Username, os.Getenv("OS_USERNAME"))
	apply(&creds.Token, os.Getenv("OS_AUTH_TOKEN"))
	apply(&creds.StorageURL, os.Getenv("OS_STORAGE_URL"))
	creds.Password = os.Getenv("OS_PASSWORD")

	if creds.Token != "" && creds.StorageURL != "" {
		return creds, nil
	}
	if creds.AuthURL == "" || creds.Username == "" {
		return creds, swift.ErrAuthUnavailable
	}
	if creds.Password == "" {
		pw, err := promptPassword(creds.Username)
		if err != nil {
			return creds, err
		}
		creds.Password = pw
	}
	return creds, nil
}

func apply(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

// parseOpenRC reads an openstack rc file: lines of the form
// "export OS_NAME=value", possibly quoted. OS_PASSWORD is deliberately
// ignored so a password is never picked up from disk.
func parseOpenRC(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		line = strings.TrimPrefix(line, "export ")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, ok := strings.Cut(line, "=")
		if !ok || !strings.HasPrefix(name, "OS_") {
			continue
		}
		if name == "OS_PASSWORD" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		out[strings.TrimSpace(name)] = value
	}
	return out, scanner.Err()
}

func promptPassword(username string) (string, error) {
	fmt.Printf("Password for %s: ", username)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
