package main

import (
	"fmt"

	"github.com/whatsapp-hub/supervisor/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		fmt.Println(err.Error())
		return
	}
}
