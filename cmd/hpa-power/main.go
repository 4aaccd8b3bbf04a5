package main

import hpapower "github.com/kradalby/hpa-power"

func main() {
	hpapower.Main()
}
