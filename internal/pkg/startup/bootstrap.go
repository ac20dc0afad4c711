package startup

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"luna-probe/internal/pkg/service"
)

// BootStrap initializes and runs the application
func BootStrap(appName string, version string) {
	configPath := flag.String("c", "", "Path to configuration file")
	flag.Parse()

	cfgPath, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to get executable path: %v\n", err)
		os.Exit(-1)
	}

	fmt.Printf("Bootstrapping application: %s Version: %s\n", appName, version)

	appService, err := service.NewAppService(appName, version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create application service: %v\n", err)
		os.Exit(-1)
	}

	if err := appService.Initialize(cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize application: %v\n", err)
		os.Exit(-1)
	}

	if err := appService.Run(); err != nil {
		appService.GetLoggingClient().Error("Application run failed:", err.Error())
		os.Exit(-1)
	}

	os.Exit(0)
}

// resolveConfigPath returns flagValue, or res/configuration.yaml next to
// the executable when it is empty
func resolveConfigPath(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(exe), "res", "configuration.yaml"), nil
}
