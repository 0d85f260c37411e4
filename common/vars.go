package common

// Version is overridden at build time with -ldflags "-X github.com/ruteri/cvm-deployer/common.Version=..."
var Version = "dev"

const PackageName = "github.com/ruteri/cvm-deployer"
