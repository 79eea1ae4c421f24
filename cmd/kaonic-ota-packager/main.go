package main

import "github.com/BeechatNetworkSystemsLtd/kaonic-ota/cmd/kaonic-ota-packager/cmd"

func main() {
	cmd.Execute()
}
