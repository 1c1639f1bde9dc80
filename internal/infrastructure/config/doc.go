// Package config handles loading and validating Lockgate configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with LOCKGATE_* environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Secrets (JWT secret, RFID hash key, broker passwords) should be set via
//     environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.GatewayAddress())
package config
