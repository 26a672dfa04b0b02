package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

var (
	validLockBackends   = []string{LockBackendMemory, LockBackendRedis, LockBackendPostgres, LockBackendMySQL, LockBackendDynamoDB, LockBackendMongoDB}
	validMembershipType = []string{MembershipStatic, MembershipRedis}
	validLogLevels      = []string{"debug", "info", "warn", "error"}
	validLogFormats     = []string{"json", "text"}
)

// Validate normalizes cfg and checks it.
func (l *ViperLoader) Validate(cfg *Config) error {
	return cfg.Validate()
}

// Validate normalizes list and enum fields in place and reports every violation at once.
func (c *Config) Validate() error {
	var errs []error

	c.Lock.Backend = strings.ToLower(strings.TrimSpace(c.Lock.Backend))
	c.Membership.Type = strings.ToLower(strings.TrimSpace(c.Membership.Type))
	c.Membership.StaticNodes = normalizeStringSlice(c.Membership.StaticNodes)
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))

	if !contains(validLogLevels, c.Log.Level) {
		errs = append(errs, fmt.Errorf("invalid log.level: %s (must be one of: %v)", c.Log.Level, validLogLevels))
	}
	if !contains(validLogFormats, c.Log.Format) {
		errs = append(errs, fmt.Errorf("invalid log.format: %s (must be one of: %v)", c.Log.Format, validLogFormats))
	}
	if strings.ContainsAny(c.Service.NodeID, " \t") {
		errs = append(errs, errors.New("service.node_id must not contain whitespace"))
	}

	if c.Management.Enabled && (c.Management.Port <= 0 || c.Management.Port > 65535) {
		errs = append(errs, fmt.Errorf("management.port must be in 1..65535, got %d", c.Management.Port))
	}

	errs = append(errs, c.Lock.validate()...)
	errs = append(errs, c.Membership.validate()...)

	roles := make(map[string]struct{}, len(c.Shardings))
	for index := range c.Shardings {
		sharding := &c.Shardings[index]
		sharding.Role = strings.TrimSpace(sharding.Role)
		if sharding.Role == "" {
			errs = append(errs, fmt.Errorf("shardings[%d].role is required", index))
		}
		if sharding.ShardCount <= 0 {
			errs = append(errs, fmt.Errorf("shardings[%d].shard_count must be greater than 0", index))
		}
		if _, dup := roles[sharding.Role]; dup {
			errs = append(errs, fmt.Errorf("shardings[%d].role %q is declared twice", index, sharding.Role))
		}
		roles[sharding.Role] = struct{}{}
	}

	c.Worker.Role = strings.TrimSpace(c.Worker.Role)
	if c.Worker.Role != "" {
		if _, ok := roles[c.Worker.Role]; !ok {
			errs = append(errs, fmt.Errorf("worker.role %q has no matching shardings entry", c.Worker.Role))
		}
	}
	if c.Worker.RepeatDelayMin < 0 || c.Worker.RepeatDelayMax < c.Worker.RepeatDelayMin {
		errs = append(errs, errors.New("worker.repeat_delay_min must be >= 0 and <= worker.repeat_delay_max"))
	}
	if c.Worker.RetryInitial <= 0 || c.Worker.RetryMax < c.Worker.RetryInitial {
		errs = append(errs, errors.New("worker.retry_initial must be > 0 and <= worker.retry_max"))
	}
	if c.Worker.RetryMultiplier < 1 {
		errs = append(errs, errors.New("worker.retry_multiplier must be >= 1"))
	}

	if c.Tracing.Enabled && strings.TrimSpace(c.Tracing.Endpoint) == "" {
		errs = append(errs, errors.New("tracing.endpoint is required when tracing is enabled"))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, errors.New("tracing.sample_rate must be in [0,1]"))
	}

	return errors.Join(errs...)
}

func (l LockConfig) validate() []error {
	var errs []error
	if !contains(validLockBackends, l.Backend) {
		errs = append(errs, fmt.Errorf("invalid lock.backend: %s (must be one of: %v)", l.Backend, validLockBackends))
	}
	if l.ExpirationPeriod <= 0 {
		errs = append(errs, errors.New("lock.expiration_period must be greater than 0"))
	}
	if l.RenewalFraction <= 0 || l.RenewalFraction >= 1 {
		errs = append(errs, errors.New("lock.renewal_fraction must be in (0,1)"))
	}
	if l.RenewalJitter < 0 || l.RenewalJitter >= 1 {
		errs = append(errs, errors.New("lock.renewal_jitter must be in [0,1)"))
	}
	if l.CheckPeriod <= 0 {
		errs = append(errs, errors.New("lock.check_period must be greater than 0"))
	}
	if l.AcquireTimeout < 0 {
		errs = append(errs, errors.New("lock.acquire_timeout must be >= 0"))
	}
	if strings.Contains(l.HolderPrefix, " ") {
		errs = append(errs, errors.New("lock.holder_prefix must not contain spaces"))
	}

	switch l.Backend {
	case LockBackendRedis:
		if strings.TrimSpace(l.Redis.URL) == "" {
			errs = append(errs, errors.New("lock.redis.url is required for the redis backend"))
		}
	case LockBackendPostgres:
		if strings.TrimSpace(l.Postgres.URL) == "" {
			errs = append(errs, errors.New("lock.postgres.url is required for the postgres backend"))
		}
	case LockBackendMySQL:
		if strings.TrimSpace(l.MySQL.DSN) == "" {
			errs = append(errs, errors.New("lock.mysql.dsn is required for the mysql backend"))
		}
	case LockBackendDynamoDB:
		if strings.TrimSpace(l.DynamoDB.Region) == "" {
			errs = append(errs, errors.New("lock.dynamodb.region is required for the dynamodb backend"))
		}
	case LockBackendMongoDB:
		if strings.TrimSpace(l.MongoDB.URL) == "" {
			errs = append(errs, errors.New("lock.mongodb.url is required for the mongodb backend"))
		}
		if strings.TrimSpace(l.MongoDB.Database) == "" {
			errs = append(errs, errors.New("lock.mongodb.database is required for the mongodb backend"))
		}
	}
	return errs
}

func (m MembershipConfig) validate() []error {
	var errs []error
	if !contains(validMembershipType, m.Type) {
		errs = append(errs, fmt.Errorf("invalid membership.type: %s (must be one of: %v)", m.Type, validMembershipType))
	}
	if m.Type == MembershipRedis {
		if strings.TrimSpace(m.Redis.URL) == "" {
			errs = append(errs, errors.New("membership.redis.url is required for redis membership"))
		}
		if m.Redis.HeartbeatInterval <= 0 {
			errs = append(errs, errors.New("membership.redis.heartbeat_interval must be greater than 0"))
		}
		if m.Redis.MemberTTL <= m.Redis.HeartbeatInterval {
			errs = append(errs, errors.New("membership.redis.member_ttl must be greater than heartbeat_interval"))
		}
	}
	return errs
}

// String returns the full configuration as a formatted string
func (c *Config) String() string {
	return formatStruct(reflect.ValueOf(c).Elem(), "")
}

// Redacted returns the configuration with secrets masked.
// Pass the secrets Config returned by LoadWithSecrets() to mask those values.
func (c *Config) Redacted(secrets *Config) string {
	if secrets == nil {
		return c.String()
	}
	return formatStructWithMask(reflect.ValueOf(c).Elem(), reflect.ValueOf(secrets).Elem(), "")
}

// RedactedMap returns the configuration as nested maps keyed by mapstructure tags, with values
// present in secrets replaced by "***".
func (c *Config) RedactedMap(secrets *Config) map[string]any {
	var mask reflect.Value
	if secrets != nil {
		mask = reflect.ValueOf(secrets).Elem()
	}
	return structToMap(reflect.ValueOf(c).Elem(), mask)
}

func structToMap(v, mask reflect.Value) map[string]any {
	out := make(map[string]any, v.NumField())
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		value := v.Field(i)
		if !value.CanInterface() {
			continue
		}
		var maskValue reflect.Value
		if mask.IsValid() {
			maskValue = mask.Field(i)
		}

		name := fieldName(field)
		switch value.Kind() {
		case reflect.Struct:
			out[name] = structToMap(value, maskValue)
		case reflect.Slice:
			items := make([]any, 0, value.Len())
			for j := 0; j < value.Len(); j++ {
				elem := value.Index(j)
				if elem.Kind() == reflect.Struct {
					items = append(items, structToMap(elem, reflect.Value{}))
				} else {
					items = append(items, elem.Interface())
				}
			}
			out[name] = items
		default:
			if shouldRedact(maskValue) {
				out[name] = "***"
			} else if stringer, ok := value.Interface().(fmt.Stringer); ok {
				out[name] = stringer.String()
			} else {
				out[name] = value.Interface()
			}
		}
	}
	return out
}

func fieldName(field reflect.StructField) string {
	if tag := field.Tag.Get("mapstructure"); tag != "" && tag != "-" {
		return tag
	}
	return field.Name
}

func formatStruct(v reflect.Value, prefix string) string {
	return formatStructWithMask(v, reflect.Value{}, prefix)
}

func formatStructWithMask(v, mask reflect.Value, prefix string) string {
	var sb strings.Builder
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		value := v.Field(i)
		if !value.CanInterface() {
			continue
		}
		var maskValue reflect.Value
		if mask.IsValid() {
			maskValue = mask.Field(i)
		}

		name := fieldName(field)
		switch value.Kind() {
		case reflect.Struct:
			sb.WriteString(fmt.Sprintf("%s%s:\n", prefix, name))
			sb.WriteString(formatStructWithMask(value, maskValue, prefix+"  "))
		case reflect.Slice:
			if value.Len() == 0 {
				sb.WriteString(fmt.Sprintf("%s%s: []\n", prefix, name))
			} else {
				sb.WriteString(fmt.Sprintf("%s%s:\n", prefix, name))
				for j := 0; j < value.Len(); j++ {
					sb.WriteString(fmt.Sprintf("%s  - %v\n", prefix, value.Index(j).Interface()))
				}
			}
		default:
			displayValue := value.Interface()
			if shouldRedact(maskValue) {
				displayValue = "***"
			}
			sb.WriteString(fmt.Sprintf("%s%s: %v\n", prefix, name, displayValue))
		}
	}

	return sb.String()
}

func shouldRedact(v reflect.Value) bool {
	if !v.IsValid() {
		return false
	}

	switch v.Kind() {
	case reflect.String:
		return v.String() != ""
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() != 0
	case reflect.Float32, reflect.Float64:
		return v.Float() != 0
	case reflect.Bool:
		return v.Bool()
	case reflect.Slice, reflect.Map:
		return v.Len() > 0
	default:
		return false
	}
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func normalizeStringSlice(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
