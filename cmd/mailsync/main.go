package main

import "github.com/lu-zhengda/mailsync/internal/cli"

func main() {
	cli.Execute()
}
