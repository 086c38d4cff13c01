// Configuration sources are layered. Defaults come from NewDefaultConfig,
// a YAML file overrides them, and environment variables override both:
//
//	FLATETL_LOAD_MODE=replace
//	FLATETL_RETRY_MAX_RETRIES=5
//	FLATETL_EXTRACT_EXPECTED_COLUMNS=id,name,price
//
// The database section also honours POSTGRES_HOST, POSTGRES_PORT,
// POSTGRES_USER, POSTGRES_PASSWORD and POSTGRES_DB.
//
// # Environment Variable Substitution
//
// A config file may reference the environment directly:
//
//	# flatetl.yaml
//	database:
//	  host: ${PGHOST}
//	  password: ${PGPASSWORD}
//
// # Retry budget
//
// retry.max_retries is the total number of attempts a stage gets for one
// file, so the default of 3 means one initial attempt and two retries.
//
// # Validation
//
// Every enumerated option is checked by Validate before a run starts:
// missing_value_strategy, load.mode, extract.bad_lines,
// output.compression and observability.tracing. An unknown value is a
// config error and the run does not start.
package config
