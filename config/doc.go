// Package config provides the runtime configuration of orocosrb.
//
// Configuration is built in layers: the built-in defaults, then every file
// added to a Loader (YAML or JSON, later files win, nested sections merge key
// by key), then the environment. The environment variables are the ones the
// deployment tooling already exports:
//
//	OROCOS_TARGET                  runtime.target
//	ORO_LOGFILE                    runtime.log_file
//	OROCOS_NATS_URL                nats.url
//	OROCOS_CALL_TIMEOUT            nats.call_timeout (ms or Go duration)
//	OROCOS_CONNECT_TIMEOUT         nats.connect_timeout (ms or Go duration)
//	OROCOS_DISABLE_CHILD_WATCHER   process.disable_child_watcher
//	OROCOS_NAMESERVICE_HOST        name_service.host
//	OROCOS_NAME_BACKENDS           name_service.backends (comma separated)
//
// Basic usage:
//
//	loader := config.NewLoader()
//	loader.AddLayer("orocos.yml")
//	loader.AddLayer("site.yml")
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//	    return err
//	}
//
// Validation failures are invalid-class errors wrapping ErrInvalidConfig and
// list every violated field by its YAML path.
//
// SafeConfig guards a configuration shared between goroutines. Get hands out
// deep copies; Update and Modify only store configurations that validate.
package config
