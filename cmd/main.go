package main

import (
	"fmt"

	app "luna-probe"
	"luna-probe/internal/pkg/startup"
)

const AppName = "luna-probe"

func main() {
	fmt.Printf("Starting application: %s with app instance: %+v\n", AppName, app.Version)
	startup.BootStrap(AppName, app.Version)
}
