package store

import "go.uber.org/zap"

func zapErr(err error) zap.Field {
	return zap.Error(err)
}
