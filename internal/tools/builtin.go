package tools

import (
	"context"
	"sort"

	"github.com/MrWong99/duplex/pkg/realtime"
)

// WeatherReport is the canned answer of [GetWeather].
const WeatherReport = "50F, cloudy, gusts up to 10 mph"

// GetWeather reports the local weather. It takes no parameters.
func GetWeather() BuiltinTool {
	return BuiltinTool{
		Definition: realtime.NewFunctionTool("get_weather", "Local weather today", nil),
		Handler: func(context.Context, map[string]any) (string, error) {
			return WeatherReport, nil
		},
	}
}

var builtins = map[string]func() BuiltinTool{
	"get_weather": GetWeather,
}

// Builtin looks up a built-in tool by name.
func Builtin(name string) (BuiltinTool, bool) {
	f, ok := builtins[name]
	if !ok {
		return BuiltinTool{}, false
	}
	return f(), true
}

// BuiltinNames lists the built-in tool names in order.
func BuiltinNames() []string {
	names := make([]string, 0, len(builtins))
	for n := range builtins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
