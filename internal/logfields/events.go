package logfields

import "go.uber.org/zap"

func Event(val string) zap.Field {
	return zap.String("event", val)
}

func Cycle(val uint64) zap.Field {
	return zap.Uint64("cycle", val)
}

func Step(val string) zap.Field {
	return zap.String("build.step", val)
}

func Component(val string) zap.Field {
	return zap.String("build.component", val)
}

func Ticket(val string) zap.Field {
	return zap.String("ticket", val)
}
