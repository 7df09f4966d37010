package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors Config with pointer fields so the overlay can tell
// "unset" apart from zero values. Durations are given in seconds.
type fileConfig struct {
	ListenAddr *string `yaml:"listenAddr"`
	QueueDir   *string `yaml:"queueDir"`

	HeartbeatTTLSec       *float64 `yaml:"heartbeatTtlSec"`
	ClaimTTLSec           *float64 `yaml:"claimTtlSec"`
	DefaultWaitTimeoutSec *float64 `yaml:"defaultWaitTimeoutSec"`

	MaxQueue       *int `yaml:"maxQueue"`
	MaxActions     *int `yaml:"maxActions"`
	MaxSourceBytes *int `yaml:"maxSourceBytes"`
	SafeEditBytes  *int `yaml:"safeEditBytes"`

	PolicyProfile  *string   `yaml:"policyProfile"`
	ProtectedRoots *[]string `yaml:"protectedRoots"`
	AllowedRoots   *[]string `yaml:"allowedRoots"`
	DenyActions    *[]string `yaml:"denyActions"`
	MaxRisk        *float64  `yaml:"maxRisk"`

	JobTTLSec         *float64 `yaml:"jobTtlSec"`
	AutoRepair        *bool    `yaml:"autoRepair"`
	RepairMaxAttempts *int     `yaml:"repairMaxAttempts"`
	RepairCooldownSec *float64 `yaml:"repairCooldownSec"`

	ContextMinIntervalSec *float64 `yaml:"contextMinIntervalSec"`
	ReconcileIntervalSec  *float64 `yaml:"reconcileIntervalSec"`
	DeltaMaxItems         *int     `yaml:"deltaMaxItems"`

	SemanticEnabled *bool `yaml:"semanticEnabled"`

	SQLiteEnabled *bool   `yaml:"sqliteEnabled"`
	SQLitePath    *string `yaml:"sqlitePath"`

	AuditLedgerLimit *int    `yaml:"auditLedgerLimit"`
	TracingService   *string `yaml:"tracingService"`
	RateLimitEnabled *bool   `yaml:"rateLimitEnabled"`
	RateLimitRPS     *int    `yaml:"rateLimitRps"`
	RateLimitBurst   *int    `yaml:"rateLimitBurst"`
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}

	setString(&cfg.ListenAddr, fc.ListenAddr)
	setString(&cfg.QueueDir, fc.QueueDir)
	setSeconds(&cfg.HeartbeatTTL, fc.HeartbeatTTLSec)
	setSeconds(&cfg.ClaimTTL, fc.ClaimTTLSec)
	setSeconds(&cfg.DefaultWaitTimeout, fc.DefaultWaitTimeoutSec)
	setInt(&cfg.MaxQueue, fc.MaxQueue)
	setInt(&cfg.MaxActions, fc.MaxActions)
	setInt(&cfg.MaxSourceBytes, fc.MaxSourceBytes)
	setInt(&cfg.SafeEditBytes, fc.SafeEditBytes)
	setString(&cfg.PolicyProfile, fc.PolicyProfile)
	setStrings(&cfg.ProtectedRoots, fc.ProtectedRoots)
	setStrings(&cfg.AllowedRoots, fc.AllowedRoots)
	setStrings(&cfg.DenyActions, fc.DenyActions)
	setFloat(&cfg.MaxRisk, fc.MaxRisk)
	setSeconds(&cfg.JobTTL, fc.JobTTLSec)
	setBool(&cfg.AutoRepair, fc.AutoRepair)
	setInt(&cfg.RepairMaxAttempts, fc.RepairMaxAttempts)
	setSeconds(&cfg.RepairCooldown, fc.RepairCooldownSec)
	setSeconds(&cfg.ContextMinInterval, fc.ContextMinIntervalSec)
	setSeconds(&cfg.ReconcileInterval, fc.ReconcileIntervalSec)
	setInt(&cfg.DeltaMaxItems, fc.DeltaMaxItems)
	setBool(&cfg.SemanticEnabled, fc.SemanticEnabled)
	setBool(&cfg.SQLiteEnabled, fc.SQLiteEnabled)
	setString(&cfg.SQLitePath, fc.SQLitePath)
	setInt(&cfg.AuditLedgerLimit, fc.AuditLedgerLimit)
	setString(&cfg.TracingService, fc.TracingService)
	setBool(&cfg.RateLimitEnabled, fc.RateLimitEnabled)
	setInt(&cfg.RateLimitRPS, fc.RateLimitRPS)
	setInt(&cfg.RateLimitBurst, fc.RateLimitBurst)
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setStrings(dst *[]string, src *[]string) {
	if src != nil {
		*dst = append([]string(nil), (*src)...)
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func setFloat(dst *float64, src *float64) {
	if src != nil {
		*dst = *src
	}
}

func setSeconds(dst *time.Duration, src *float64) {
	if src != nil {
		*dst = time.Duration(*src * float64(time.Second))
	}
}
