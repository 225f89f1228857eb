package main

import (
	"github.com/YibaiLin/a-share-hub/cmd"
	"github.com/YibaiLin/a-share-hub/internal/shared"
)

func main() {
	shared.InitLogger("harvester")

	cmd.Execute()
}
