package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oarkflow/squealx"
	_ "modernc.org/sqlite"

	iampolicy "github.com/cloudgate/iampolicy"
	"github.com/cloudgate/iampolicy/logger"
	"github.com/cloudgate/iampolicy/stores"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "convert":
		handleConvert()
	case "validate":
		handleValidate()
	case "stats":
		handleStats()
	case "apply":
		handleApply()
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("iampolicy-config - Seed configuration tool for the policy service")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  iampolicy-config convert <input> <output>  - Convert between formats")
	fmt.Println("  iampolicy-config validate <file>           - Validate configuration")
	fmt.Println("  iampolicy-config stats <file>              - Show configuration statistics")
	fmt.Println("  iampolicy-config apply <file> [dsn]        - Apply configuration to a database")
	fmt.Println()
	fmt.Println("Supported formats: .yaml, .yml, .json")
}

func handleConvert() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: iampolicy-config convert <input> <output>")
		os.Exit(1)
	}

	cfg, err := loadConfig(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := saveConfig(cfg, os.Args[3]); err != nil {
		fmt.Printf("Error saving config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Converted %s -> %s\n", os.Args[2], os.Args[3])
}

func handleValidate() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: iampolicy-config validate <file>")
		os.Exit(1)
	}

	cfg, err := loadConfig(os.Args[2])
	if err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Version:     %d\n", cfg.Version)
	fmt.Printf("  Permissions: %d\n", len(cfg.Permissions))
	fmt.Printf("  Roles:       %d\n", len(cfg.Roles))
	fmt.Printf("  Assignments: %d\n", len(cfg.Assignments))
	fmt.Printf("  Policies:    %d\n", len(cfg.Policies))
}

func handleStats() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: iampolicy-config stats <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	cfg, err := loadConfig(filename)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	stat, _ := os.Stat(filename)

	fmt.Println("Configuration Statistics")
	fmt.Println("========================")
	if stat != nil {
		fmt.Printf("File size: %d bytes\n", stat.Size())
	}
	fmt.Printf("Version: %d\n", cfg.Version)
	fmt.Println()

	fmt.Println("Components:")
	fmt.Printf("  Permissions: %d\n", len(cfg.Permissions))
	fmt.Printf("  Roles:       %d\n", len(cfg.Roles))
	fmt.Printf("  Assignments: %d\n", len(cfg.Assignments))
	fmt.Printf("  Policies:    %d\n", len(cfg.Policies))
	fmt.Println()

	if len(cfg.Policies) > 0 {
		allowCount := 0
		denyCount := 0
		for _, p := range cfg.Policies {
			if strings.EqualFold(p.Effect, string(iampolicy.EffectAllow)) {
				allowCount++
			} else {
				denyCount++
			}
		}
		fmt.Println("Policy Details:")
		fmt.Printf("  Allow policies: %d\n", allowCount)
		fmt.Printf("  Deny policies:  %d\n", denyCount)
		fmt.Println()
	}

	if len(cfg.Roles) > 0 {
		totalGrants := 0
		for _, r := range cfg.Roles {
			totalGrants += len(r.Grants)
		}
		fmt.Println("Role Details:")
		fmt.Printf("  Total grants: %d\n", totalGrants)
		fmt.Printf("  Avg per role: %.1f\n", float64(totalGrants)/float64(len(cfg.Roles)))
	}
}

func handleApply() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: iampolicy-config apply <file> [dsn]")
		os.Exit(1)
	}

	cfg, err := loadConfig(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	dsn := ":memory:"
	if len(os.Args) > 3 {
		dsn = os.Args[3]
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		fmt.Printf("Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer sqlDB.Close()
	db := squealx.NewDb(sqlDB, "sqlite", "iampolicy")

	if err := stores.Migrate(db); err != nil {
		fmt.Printf("Error migrating database: %v\n", err)
		os.Exit(1)
	}

	roleStore := stores.NewSQLRoleStore(db)
	policyStore := stores.NewSQLPolicyStore(db)
	changes := iampolicy.NewChangeService(policyStore, nil,
		iampolicy.WithChangeLogger(logger.NewPhusluLogger()),
		iampolicy.WithAuditSource("iampolicy-config"))

	ctx := context.Background()
	if err := cfg.Apply(ctx, roleStore, changes); err != nil {
		fmt.Printf("Error applying config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Configuration applied successfully\n")
	fmt.Printf("  Roles loaded:    %d\n", len(cfg.Roles))
	fmt.Printf("  Policies loaded: %d\n", len(cfg.Policies))
}

func loadConfig(filename string) (*iampolicy.Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	loader := iampolicy.NewConfigLoader()
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".yaml", ".yml":
		return loader.LoadYAML(data)
	case ".json":
		return loader.LoadJSON(data)
	default:
		return nil, fmt.Errorf("unsupported file format: %s", ext)
	}
}

func saveConfig(cfg *iampolicy.Config, filename string) error {
	var data []byte
	var err error
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	default:
		return fmt.Errorf("unsupported file format: %s", ext)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
