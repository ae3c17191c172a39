// Command ttdnsd relays UDP DNS queries to upstream resolvers over a
// tunneled TCP stream (see SPEC_FULL.md).
package main

import (
	"os"

	"github.com/tordns/ttdnsd/coremain"
)

func main() {
	os.Exit(coremain.Execute())
}
