package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type SystemConfig struct {
	Appid    string `json:"appid"`
	Location string `json:"location"`
	Workdir  string `json:"workdir"`
	Env      string `json:"env"`
}

type WebConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type DatabaseConfig struct {
	// URL takes precedence; when empty the compound host/port/user fields are used.
	URL      string `json:"url"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Name     string `json:"name"`
	User     string `json:"user"`
	Passwd   string `json:"passwd"`
	MaxConn  int    `json:"max_conn"`
	IdleConn int    `json:"idle_conn"`
	Debug    bool   `json:"debug"`
}

type FleetConfig struct {
	MaxInstances          int `json:"max_instances"`
	StaggeredBootDelayMs  int `json:"staggered_boot_delay_ms"`
	MessagesRetentionDays int `json:"messages_retention_days"`
}

type LoggerConfig struct {
	Mode       string `json:"mode"`
	FileEnable bool   `json:"file_enable"`
	Filename   string `json:"filename"`
}

type AppConfig struct {
	System   SystemConfig   `json:"system"`
	Web      WebConfig      `json:"web"`
	Database DatabaseConfig `json:"database"`
	Fleet    FleetConfig    `json:"fleet"`
	Logger   LoggerConfig   `json:"logger"`
}

// DSN returns the postgres connection string, preferring DATABASE_URL over the
// compound host/port fields.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable TimeZone=UTC",
		c.Host, c.Port, c.User, c.Passwd, c.Name)
}

// Load reads configuration from the environment. Every key has a default,
// the database location included: when DATABASE_URL is unset the compound
// DB_* variables are used, and those default to user postgres on
// 127.0.0.1:5432, database wafleet. Load does not reject a missing database
// setting.
func Load() *AppConfig {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("app_env", "development")
	v.SetDefault("workdir", "/var/wafleet")
	v.SetDefault("timezone", "UTC")
	v.SetDefault("port", 3000)
	v.SetDefault("host", "0.0.0.0")

	v.SetDefault("database_url", "")
	v.SetDefault("db_host", "127.0.0.1")
	v.SetDefault("db_port", 5432)
	v.SetDefault("db_name", "wafleet")
	v.SetDefault("db_user", "postgres")
	v.SetDefault("db_password", "")
	v.SetDefault("db_max_conn", 50)
	v.SetDefault("db_idle_conn", 10)
	v.SetDefault("db_debug", false)

	v.SetDefault("max_instances", 80)
	v.SetDefault("staggered_boot_delay_ms", 500)
	v.SetDefault("messages_retention_days", 7)

	v.SetDefault("log_mode", "production")
	v.SetDefault("log_file_enable", false)
	v.SetDefault("log_filename", "/var/wafleet/wafleet.log")

	return &AppConfig{
		System: SystemConfig{
			Appid:    "wafleet",
			Location: v.GetString("timezone"),
			Workdir:  v.GetString("workdir"),
			Env:      v.GetString("app_env"),
		},
		Web: WebConfig{
			Host: v.GetString("host"),
			Port: v.GetInt("port"),
		},
		Database: DatabaseConfig{
			URL:      v.GetString("database_url"),
			Host:     v.GetString("db_host"),
			Port:     v.GetInt("db_port"),
			Name:     v.GetString("db_name"),
			User:     v.GetString("db_user"),
			Passwd:   v.GetString("db_password"),
			MaxConn:  v.GetInt("db_max_conn"),
			IdleConn: v.GetInt("db_idle_conn"),
			Debug:    v.GetBool("db_debug"),
		},
		Fleet: FleetConfig{
			MaxInstances:          v.GetInt("max_instances"),
			StaggeredBootDelayMs:  v.GetInt("staggered_boot_delay_ms"),
			MessagesRetentionDays: v.GetInt("messages_retention_days"),
		},
		Logger: LoggerConfig{
			Mode:       v.GetString("log_mode"),
			FileEnable: v.GetBool("log_file_enable"),
			Filename:   v.GetString("log_filename"),
		},
	}
}
