package lunaprobe

// Version is overwritten at build time with -ldflags "-X luna-probe.Version=..."
var Version = "0.0.0"
