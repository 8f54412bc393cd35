// Package builtin links every bundled source and sink into the binary.
// Importing it for side effects fills the source and sink registries.
package builtin

import (
	_ "dutybot/internal/sink/pushplus"
	_ "dutybot/internal/sink/redis"
	_ "dutybot/internal/sink/telegram"
	_ "dutybot/internal/source/enze"
)
