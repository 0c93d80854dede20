package main

import (
	"fmt"

	"github.com/opalchat/chat-replica-service/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		fmt.Println(err.Error())
		return
	}
}
