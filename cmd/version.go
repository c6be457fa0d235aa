package cmd

// Version is the application version. It is meant to be set at build
// time, e.g.
// go build -ldflags "-X github.com/bihealth/hpc-access-cli/cmd.Version=1.2.3"
var Version = "0.1.0"
