package app

import (
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func TestInitKafkaProducer(t *testing.T) {
	cases := []struct {
		name    string
		brokers string
		wantErr bool
		level   log.Level
	}{
		{name: "brokers not set", brokers: "", level: log.InfoLevel},
		{name: "only separators", brokers: " , ", level: log.InfoLevel},
		{name: "unreachable broker", brokers: "127.0.0.1:1", wantErr: true, level: log.WarnLevel},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			logger, hook := test.NewNullLogger()
			cfg := DefaultConfig()
			cfg.KafkaBrokers = tc.brokers

			producer, err := initKafkaProducer(cfg, log.NewEntry(logger))
			require.Nil(t, producer)
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tc.level, hook.LastEntry().Level)
		})
	}
}
