package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidConfig wraps every validation failure reported by Validate.
var ErrInvalidConfig = errors.New("config: validation failed")

// EncryptionKeyLength is the required key size for AES-256.
const EncryptionKeyLength = 32

const dateLayout = time.DateOnly

// Config holds application configuration
type Config struct {
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL string
	DBHost      string
	DBPort      int
	DBName      string
	DBUser      string
	DBPassword  string
	DBMaxConns  int

	// Visa portal
	SiteBaseURL   string
	VisaEmail     string
	VisaPassword  string
	CountryCode   string
	UserID        string
	SiteMaxRPS    float64
	SiteBurst     int
	Facilities    []int
	FacilityNames map[int]string

	// Scheduling
	Timezone               string
	StartHour              int
	EndHour                int
	MinDelaySec            int
	MaxDelaySec            int
	SessionRefreshMin      int
	SessionValidateMin     int
	OutsideWindowPause     time.Duration
	IterationErrorPause    time.Duration
	AfterBookingPause      time.Duration
	StartJitter            time.Duration
	ReauthCooldown         time.Duration
	ScanAllDays            bool
	HorizonDays            int
	MaxBookingRetries      int
	StartDateFilter        *time.Time
	EndDateFilter          *time.Time
	BookingRetryPause      time.Duration
	BookingSlotSettle      time.Duration
	BookingConfirmSettle   time.Duration
	TimeSlotFetchRetries   int
	TimeSlotFetchBackoff   time.Duration
	NavigationRetries      int
	NavigationRetryBackoff time.Duration

	// Security
	EncryptionKey string

	// Browser
	BrowserHeadless  bool
	ChromePath       string
	BrowserUserAgent string
	BrowserTimeout   time.Duration

	// Ops
	MetricsAddr   string
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool
	LeaseKey      string
	LeaseTTL      time.Duration

	// Notifications
	NotifyEmail       string
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string
	SESFromEmail      string

	// AWS
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	ScreenshotBucket    string
	ScreenshotDir       string

	loadErrs []error
}

// Load reads configuration from environment variables. Parse problems are
// kept and reported by Validate.
func Load() *Config {
	cfg := &Config{
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		DBHost:      getEnv("DB_HOST", "postgres"),
		DBPort:      getEnvAsInt("DB_PORT", 5432),
		DBName:      getEnv("DB_NAME", "visa_scheduler"),
		DBUser:      getEnv("DB_USER", "visabot"),
		DBPassword:  getEnv("DB_PASSWORD", ""),
		DBMaxConns:  getEnvAsInt("DB_MAX_CONNS", 20),

		SiteBaseURL:  strings.TrimRight(getEnv("SITE_BASE_URL", "https://ais.usvisa-info.com"), "/"),
		VisaEmail:    strings.TrimSpace(getEnv("VISA_EMAIL", "")),
		VisaPassword: getEnv("VISA_PASSWORD", ""),
		CountryCode:  strings.ToLower(getEnv("COUNTRY_CODE", "ca")),
		UserID:       strings.TrimSpace(getEnv("USER_ID", "")),
		SiteMaxRPS:   getEnvAsFloat("SITE_MAX_RPS", 2),
		SiteBurst:    getEnvAsInt("SITE_BURST", 3),

		Timezone:               getEnv("SCHEDULE_TIMEZONE", getEnv("TZ", "America/New_York")),
		StartHour:              getEnvAsInt("CHECK_START_HOUR", 19),
		EndHour:                getEnvAsInt("CHECK_END_HOUR", 5),
		MinDelaySec:            getEnvAsInt("MIN_DELAY_SEC", 5),
		MaxDelaySec:            getEnvAsInt("MAX_DELAY_SEC", 30),
		SessionRefreshMin:      getEnvAsInt("SESSION_REFRESH_MIN", 10),
		SessionValidateMin:     getEnvAsInt("SESSION_VALIDATE_MIN", 10),
		OutsideWindowPause:     getEnvAsDuration("OUTSIDE_WINDOW_PAUSE", 5*time.Minute),
		IterationErrorPause:    getEnvAsDuration("ITERATION_ERROR_PAUSE", 10*time.Second),
		AfterBookingPause:      getEnvAsDuration("AFTER_BOOKING_PAUSE", 5*time.Second),
		StartJitter:            getEnvAsDuration("START_JITTER", 5*time.Second),
		ReauthCooldown:         getEnvAsDuration("REAUTH_COOLDOWN", 3*time.Second),
		ScanAllDays:            getEnvAsBool("SCAN_ALL_DAYS", false),
		HorizonDays:            getEnvAsInt("HORIZON_DAYS", 365),
		MaxBookingRetries:      getEnvAsInt("MAX_BOOKING_RETRIES", 3),
		BookingRetryPause:      getEnvAsDuration("BOOKING_RETRY_PAUSE", 2*time.Second),
		BookingSlotSettle:      getEnvAsDuration("BOOKING_SLOT_SETTLE", 1500*time.Millisecond),
		BookingConfirmSettle:   getEnvAsDuration("BOOKING_CONFIRM_SETTLE", 3*time.Second),
		TimeSlotFetchRetries:   getEnvAsInt("TIME_SLOT_FETCH_RETRIES", 3),
		TimeSlotFetchBackoff:   getEnvAsDuration("TIME_SLOT_FETCH_BACKOFF", time.Second),
		NavigationRetries:      getEnvAsInt("NAVIGATION_RETRIES", 3),
		NavigationRetryBackoff: getEnvAsDuration("NAVIGATION_RETRY_BACKOFF", 2*time.Second),

		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),

		BrowserHeadless:  getEnvAsBool("BROWSER_HEADLESS", true),
		ChromePath:       getEnv("CHROME_PATH", ""),
		BrowserUserAgent: getEnv("BROWSER_USER_AGENT", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
		BrowserTimeout:   getEnvAsDuration("BROWSER_TIMEOUT", 30*time.Second),

		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),
		LeaseKey:      getEnv("LEASE_KEY", "visa-scheduler:runner"),
		LeaseTTL:      getEnvAsDuration("LEASE_TTL", 2*time.Minute),

		NotifyEmail:       getEnv("NOTIFY_EMAIL", ""),
		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "Visa Scheduler"),
		SESFromEmail:      getEnv("SES_FROM_EMAIL", ""),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		ScreenshotBucket:    getEnv("SCREENSHOT_BUCKET", ""),
		ScreenshotDir:       getEnv("SCREENSHOT_DIR", "logs"),
	}

	facilities, err := parseFacilities(getEnv("FACILITIES", "94,89,95"))
	if err != nil {
		cfg.loadErrs = append(cfg.loadErrs, err)
	}
	cfg.Facilities = facilities

	names, err := parseFacilityNames(getEnv("FACILITY_NAMES", "94:Toronto,89:Calgary,95:Vancouver"))
	if err != nil {
		cfg.loadErrs = append(cfg.loadErrs, err)
	}
	cfg.FacilityNames = names

	cfg.StartDateFilter = cfg.parseDateEnv("START_DATE_FILTER")
	cfg.EndDateFilter = cfg.parseDateEnv("END_DATE_FILTER")

	return cfg
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	errs := append([]error(nil), c.loadErrs...)

	if c.DatabaseURL == "" && c.DBPassword == "" {
		errs = append(errs, errors.New("DB_PASSWORD or DATABASE_URL is required"))
	}
	if c.VisaEmail == "" {
		errs = append(errs, errors.New("VISA_EMAIL is required"))
	} else if !strings.Contains(c.VisaEmail, "@") {
		errs = append(errs, errors.New("invalid VISA_EMAIL format"))
	}
	if c.VisaPassword == "" {
		errs = append(errs, errors.New("VISA_PASSWORD is required"))
	}
	if len(c.EncryptionKey) != EncryptionKeyLength {
		errs = append(errs, fmt.Errorf("ENCRYPTION_KEY must be exactly %d characters for AES-256 (got %d)", EncryptionKeyLength, len(c.EncryptionKey)))
	}
	if len(c.Facilities) == 0 {
		errs = append(errs, errors.New("at least one facility must be specified in FACILITIES"))
	}
	if c.StartHour < 0 || c.StartHour > 23 {
		errs = append(errs, errors.New("CHECK_START_HOUR must be between 0 and 23"))
	}
	if c.EndHour < 0 || c.EndHour > 23 {
		errs = append(errs, errors.New("CHECK_END_HOUR must be between 0 and 23"))
	}
	if c.MinDelaySec < 1 {
		errs = append(errs, errors.New("MIN_DELAY_SEC must be at least 1 second"))
	}
	if c.MaxDelaySec < c.MinDelaySec {
		errs = append(errs, errors.New("MAX_DELAY_SEC must be greater than or equal to MIN_DELAY_SEC"))
	}
	if c.MaxBookingRetries < 1 {
		errs = append(errs, errors.New("MAX_BOOKING_RETRIES must be at least 1"))
	}
	if c.HorizonDays < 1 {
		errs = append(errs, errors.New("HORIZON_DAYS must be at least 1"))
	}
	if c.StartDateFilter != nil && c.EndDateFilter != nil && c.StartDateFilter.After(*c.EndDateFilter) {
		errs = append(errs, errors.New("START_DATE_FILTER must not be after END_DATE_FILTER"))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("unknown timezone %q: %w", c.Timezone, err))
	}
	if _, err := url.Parse(c.SiteBaseURL); err != nil || c.SiteBaseURL == "" {
		errs = append(errs, fmt.Errorf("invalid SITE_BASE_URL %q", c.SiteBaseURL))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w:\n%w", ErrInvalidConfig, errors.Join(errs...))
}

// PostgresDSN returns DATABASE_URL or a DSN assembled from the DB_* settings.
func (c *Config) PostgresDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.DBUser, c.DBPassword),
		Host:   fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:   "/" + c.DBName,
	}
	q := u.Query()
	q.Set("pool_max_conns", strconv.Itoa(c.DBMaxConns))
	u.RawQuery = q.Encode()
	return u.String()
}

// FacilityName returns the display label for a facility id.
func (c *Config) FacilityName(id int) string {
	if name, ok := c.FacilityNames[id]; ok && name != "" {
		return name
	}
	return "Facility " + strconv.Itoa(id)
}

// HasDateRange reports whether both date filters are configured.
func (c *Config) HasDateRange() bool {
	return c.StartDateFilter != nil && c.EndDateFilter != nil
}

func (c *Config) parseDateEnv(key string) *time.Time {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		c.loadErrs = append(c.loadErrs, fmt.Errorf("invalid %s %q: expected YYYY-MM-DD", key, raw))
		return nil
	}
	return &t
}

func parseFacilities(raw string) ([]int, error) {
	var ids []int
	var bad []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			bad = append(bad, part)
			continue
		}
		ids = append(ids, id)
	}
	if len(bad) > 0 {
		return ids, fmt.Errorf("invalid FACILITIES entries: %s", strings.Join(bad, ", "))
	}
	return ids, nil
}

func parseFacilityNames(raw string) (map[int]string, error) {
	names := make(map[int]string)
	var bad []string
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		idStr, name, ok := strings.Cut(pair, ":")
		id, err := strconv.Atoi(strings.TrimSpace(idStr))
		if !ok || err != nil || strings.TrimSpace(name) == "" {
			bad = append(bad, pair)
			continue
		}
		names[id] = strings.TrimSpace(name)
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return names, fmt.Errorf("invalid FACILITY_NAMES entries: %s", strings.Join(bad, ", "))
	}
	return names, nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
