package main

import "github.com/BeechatNetworkSystemsLtd/kaonic-ota/cmd/kaonic-otad/cmd"

func main() {
	cmd.Execute()
}
