package config

import (
	"github.com/spf13/pflag"
)

// Overrides holds command-line values that take precedence over the file.
type Overrides struct {
	fs *pflag.FlagSet

	listen          string
	grpcListen      string
	dev             bool
	serialPort      string
	baudRate        int
	watchdogTimeout string
	dbPath          string
	mqttBroker      string
	mqttTopic       string
}

// BindFlags registers the override flags on fs.
func BindFlags(fs *pflag.FlagSet) *Overrides {
	o := &Overrides{fs: fs}
	fs.StringVar(&o.listen, "listen", DefaultListen, "HTTP listen address")
	fs.StringVar(&o.grpcListen, "grpc-listen", DefaultGRPCListen, "gRPC telemetry listen address (empty to disable)")
	fs.BoolVar(&o.dev, "dev", false, "use the simulated gateway and sensors instead of the serial link")
	fs.StringVar(&o.serialPort, "port", DefaultSerialPort, "serial port of the motor controller")
	fs.IntVar(&o.baudRate, "baud", DefaultBaudRate, "serial baud rate")
	fs.StringVar(&o.watchdogTimeout, "watchdog-timeout", DefaultWatchdogTimeout.String(), "stop motors after this long without a command")
	fs.StringVar(&o.dbPath, "db-path", DefaultDBPath, "safety journal path (empty to disable)")
	fs.StringVar(&o.mqttBroker, "mqtt-broker", "", "MQTT broker URL for telemetry export (empty to disable)")
	fs.StringVar(&o.mqttTopic, "mqtt-topic", DefaultMQTTTopic, "MQTT topic for telemetry export")
	return o
}

// Apply copies every flag set on the command line into c and revalidates.
func (o *Overrides) Apply(c *Config) error {
	if o.fs.Changed("listen") {
		c.Listen = ptrString(o.listen)
	}
	if o.fs.Changed("grpc-listen") {
		c.GRPCListen = ptrString(o.grpcListen)
	}
	if o.fs.Changed("dev") {
		c.Dev = ptrBool(o.dev)
	}
	if o.fs.Changed("port") {
		c.SerialPort = ptrString(o.serialPort)
	}
	if o.fs.Changed("baud") {
		c.BaudRate = ptrInt(o.baudRate)
	}
	if o.fs.Changed("watchdog-timeout") {
		c.WatchdogTimeout = ptrString(o.watchdogTimeout)
	}
	if o.fs.Changed("db-path") {
		c.DBPath = ptrString(o.dbPath)
	}
	if o.fs.Changed("mqtt-broker") {
		c.MQTTBroker = ptrString(o.mqttBroker)
	}
	if o.fs.Changed("mqtt-topic") {
		c.MQTTTopic = ptrString(o.mqttTopic)
	}
	return c.Validate()
}
