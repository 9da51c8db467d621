// Package config resolves the daemon configuration from the process
// environment. Required keys that are missing produce an error; callers are
// expected to treat that as fatal.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// Config carries everything the sync daemon needs to talk to the RETS
// server, the MySQL store and the object store.
type Config struct {
	RETS          RETSConfig
	MySQL         MySQLConfig
	ObjectStorage ObjectStorageConfig

	// PhotoPort is the listen port of the static photo server.
	PhotoPort int

	// CacheDir is the root of the on-disk caches (session, metadata,
	// lockouts, photo staging).
	CacheDir string
}

// RETSConfig holds the protocol client credentials.
type RETSConfig struct {
	LoginURL  string
	Version   string
	Vendor    string
	Username  string
	Password  string
	UserAgent string
}

// MySQLConfig holds the relational store connection settings.
type MySQLConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// DSN renders the go-sql-driver connection string. parseTime is required so
// watermark columns scan as time.Time.
func (c MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=Local", c.User, c.Password, c.Host, c.Port, c.Database)
}

// ObjectStorageConfig holds the S3-compatible endpoint settings.
type ObjectStorageConfig struct {
	AccessKey string
	SecretKey string
	Endpoint  string
	Bucket    string
}

// FromEnv builds a Config from the process environment.
func FromEnv() (*Config, error) {
	cfg := &Config{
		PhotoPort: 3000,
		CacheDir:  "cache",
	}

	var err error
	if cfg.RETS.LoginURL, err = required("RETS_LOGIN_URL"); err != nil {
		return nil, err
	}
	if cfg.RETS.Version, err = required("RETS_VERSION"); err != nil {
		return nil, err
	}
	if cfg.RETS.Vendor, err = required("RETS_VENDOR"); err != nil {
		return nil, err
	}
	if cfg.RETS.Username, err = required("RETS_USERNAME"); err != nil {
		return nil, err
	}
	if cfg.RETS.Password, err = required("RETS_PASSWORD"); err != nil {
		return nil, err
	}
	if cfg.RETS.UserAgent, err = required("RETS_USER_AGENT"); err != nil {
		return nil, err
	}

	cfg.MySQL.Host = withDefault("MYSQL_HOST", "localhost")
	cfg.MySQL.User = withDefault("MYSQL_USER", "rets_user")
	cfg.MySQL.Password = withDefault("MYSQL_PASSWORD", "rets_password")
	cfg.MySQL.Database = withDefault("MYSQL_DATABASE", "rets_data")
	if cfg.MySQL.Port, err = intWithDefault("MYSQL_PORT", 3306); err != nil {
		return nil, err
	}

	if cfg.ObjectStorage.AccessKey, err = required("OBJECT_STORAGE_ACCESS_KEY"); err != nil {
		return nil, err
	}
	if cfg.ObjectStorage.SecretKey, err = required("OBJECT_STORAGE_SECRET_KEY"); err != nil {
		return nil, err
	}
	if cfg.ObjectStorage.Endpoint, err = required("OBJECT_STORAGE_ENDPOINT"); err != nil {
		return nil, err
	}
	if cfg.ObjectStorage.Bucket, err = required("OBJECT_STORAGE_BUCKET"); err != nil {
		return nil, err
	}

	if cfg.PhotoPort, err = intWithDefault("PHOTO_PORT", 3000); err != nil {
		return nil, err
	}
	cfg.CacheDir = withDefault("RETS_CACHE_DIR", "cache")

	return cfg, nil
}

func required(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", errors.Errorf("required environment variable %s is not set", key)
	}
	return v, nil
}

func withDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intWithDefault(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid value %q for %s", v, key)
	}
	return n, nil
}
