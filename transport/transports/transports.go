// Package transports imports every built-in transport for its registration
// side effect. Import it to have all of them available in the default
// registry.
package transports

import (
	_ "github.com/drblury/msgbus/transport/channel"
	_ "github.com/drblury/msgbus/transport/http"
	_ "github.com/drblury/msgbus/transport/jetstream"
	_ "github.com/drblury/msgbus/transport/kafka"
	_ "github.com/drblury/msgbus/transport/loopback"
	_ "github.com/drblury/msgbus/transport/nats"
	_ "github.com/drblury/msgbus/transport/rabbitmq"
	_ "github.com/drblury/msgbus/transport/socket"
)
