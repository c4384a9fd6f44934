package utils

import (
	"github.com/lithammer/shortuuid/v3"
)

const (
	ControllerPrefix = "CC-"
	ComponentPrefix  = "CO-"
)

func NewGuid(prefix string) string {
	return prefix + shortuuid.New()
}
