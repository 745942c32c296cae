package globals

import "github.com/hashicorp/go-hclog"

var AppLogger = hclog.New(&hclog.LoggerOptions{
	Name:  "studyhall-collab",
	Level: hclog.LevelFromString("INFO"),
})
