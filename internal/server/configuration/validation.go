package configuration

import "github.com/go-playground/validator/v10"

func (c Configuration) Validate() error {
	validate := validator.New()
	validate.RegisterStructValidation(CheckpointConfigValidation, CheckpointConfig{})
	validate.RegisterStructValidation(TransportConfigValidation, TransportConfig{})
	return validate.Struct(c)
}

func CheckpointConfigValidation(sl validator.StructLevel) {
	c := sl.Current().Interface().(CheckpointConfig)
	if c.Backend != RedisCheckpointBackend {
		return
	}
	if c.Redis == nil {
		sl.ReportError(c.Redis, "Redis", "Redis", "required_for_redis_backend", "")
		return
	}
	if err := sl.Validator().Struct(c.Redis); err != nil {
		sl.ReportError(c.Redis, "Redis", "Redis", "valid_redis_config", "")
	}
}

func TransportConfigValidation(sl validator.StructLevel) {
	c := sl.Current().Interface().(TransportConfig)
	if c.Kind == NatsTransport && c.Nats.Url == "" && !c.Nats.Embedded {
		sl.ReportError(c.Nats.Url, "Url", "Url", "required_without_embedded", "")
	}
}
