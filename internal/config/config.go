package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// App
	Debug       bool
	GUIAddr     string
	AccountFile string

	// Database（可选，为空时不记录告警历史）
	DatabaseURL string

	// Browser
	BrowserControlURL string
	BrowserBin        string
	BrowserHeadless   bool
	UserDataDir       string
	DownloadDir       string
	NavigationTimeout time.Duration
	BlockedURLs       []string

	// 后台地址
	GotoBOURL     string
	AutotelBOURL  string
	GotoAPIURL    string
	AutotelAPIURL string
	GotoCRMURL    string
	AutotelCRMURL string
	PointerURL    string
	WhatsappURL   string

	// 页面开关
	CreateGotoTabs     bool
	CreateAutotelTabs  bool
	CreateWhatsappPage bool

	// Polling
	PollInterval           time.Duration
	ServeTick              time.Duration
	PointerRefreshInterval time.Duration

	// 跨 worker 查询超时
	LocateTimeout time.Duration
	TokenTimeout  time.Duration
	CookieTimeout time.Duration
	TokenWait     time.Duration

	// Retry
	RetryAttempts uint
	RetryDelay    time.Duration

	// 告警规则
	LateNotifyWindow   time.Duration
	LateRepeatWindow   time.Duration
	LongRideThreshold  time.Duration
	BatteryThreshold   float64
	BatteryCategory    int
	HomeArea           string
	BatteryKeywords    []string
	NotificationMaxAge time.Duration
	Timezone           string

	// 通知图标
	GotoIcon    string
	AutotelIcon string
}

func Load() (*Config, error) {
	// 尝试加载 .env 文件（可选）
	_ = godotenv.Load()

	home, _ := os.UserHomeDir()

	cfg := &Config{
		Debug:       getEnvBool("DEBUG", false),
		GUIAddr:     getEnv("GUI_ADDR", "127.0.0.1:8765"),
		AccountFile: getEnv("ACCOUNT_FILE", "account.json"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		BrowserControlURL: getEnv("BROWSER_CONTROL_URL", ""),
		BrowserBin:        getEnv("BROWSER_BIN", ""),
		BrowserHeadless:   getEnvBool("BROWSER_HEADLESS", false),
		UserDataDir:       getEnv("BROWSER_USER_DATA_DIR", ""),
		DownloadDir:       getEnv("DOWNLOAD_DIR", filepath.Join(home, "Downloads")),
		NavigationTimeout: getEnvPositiveDuration("NAVIGATION_TIMEOUT", 45*time.Second),
		BlockedURLs: getEnvList("BLOCKED_URLS", []string{
			"car2govisibility.gototech.co/API/RT/reservationIssues",
			"webplayer-authflow.js",
			"fonts/fabric-icons.woff",
			"cc_MscrmControls.Grid.PCFGridControl/PCFGridControl.js",
			"cc_MscrmControls.FieldControls.TimerControl/css/TimerIcon.css",
			"goto.crm4.dynamics.com/apc/100k.gif",
			"activitypointers/Microsoft.Dynamics.CRM.RetrieveTimelineWallRecords",
			"apps.powerapps.com/apphost/e/",
		}),

		GotoBOURL:     getEnv("GOTO_BO_URL", "https://car2gobo.gototech.co"),
		AutotelBOURL:  getEnv("AUTOTEL_BO_URL", "https://prodautotelbo.gototech.co"),
		GotoAPIURL:    getEnv("GOTO_API_URL", "https://car2gopublicapi.gototech.co/API/SEND"),
		AutotelAPIURL: getEnv("AUTOTEL_API_URL", "https://autotelpublicapiprod.gototech.co/API/SEND"),
		GotoCRMURL:    getEnv("GOTO_CRM_URL", "https://goto.crm4.dynamics.com"),
		AutotelCRMURL: getEnv("AUTOTEL_CRM_URL", "https://autotel.crm4.dynamics.com"),
		PointerURL:    getEnv("POINTER_URL", "https://fleet.pointer4u.co.il/iservices/fleet2015/login"),
		WhatsappURL:   getEnv("WHATSAPP_URL", "https://web.whatsapp.com"),

		CreateGotoTabs:     getEnvBool("CREATE_GOTO_TABS", true),
		CreateAutotelTabs:  getEnvBool("CREATE_AUTOTEL_TABS", true),
		CreateWhatsappPage: getEnvBool("CREATE_WHATSAPP_PAGE", true),

		PollInterval:           getEnvPositiveDuration("POLL_INTERVAL", 5*time.Minute),
		ServeTick:              getEnvPositiveDuration("SERVE_TICK", 3*time.Second),
		PointerRefreshInterval: getEnvDuration("POINTER_REFRESH_INTERVAL", 5*time.Minute),

		LocateTimeout: getEnvPositiveDuration("LOCATE_TIMEOUT", 30*time.Second),
		TokenTimeout:  getEnvPositiveDuration("TOKEN_TIMEOUT", 70*time.Second),
		CookieTimeout: getEnvPositiveDuration("COOKIE_TIMEOUT", 30*time.Second),
		TokenWait:     getEnvDuration("TOKEN_WAIT", 30*time.Second),

		RetryAttempts: uint(getEnvPositiveInt("RETRY_ATTEMPTS", 3)),
		RetryDelay:    getEnvDuration("RETRY_DELAY", time.Second),

		LateNotifyWindow:   getEnvDuration("LATE_NOTIFY_WINDOW", 30*time.Minute),
		LateRepeatWindow:   getEnvDuration("LATE_REPEAT_WINDOW", 15*time.Minute),
		LongRideThreshold:  getEnvDuration("LONG_RIDE_THRESHOLD", 3*time.Hour),
		BatteryThreshold:   getEnvFloat("BATTERY_THRESHOLD", 30),
		BatteryCategory:    getEnvInt("BATTERY_CATEGORY", 1),
		HomeArea:           getEnv("HOME_AREA", "תל אביב"),
		BatteryKeywords:    getEnvList("BATTERY_KEYWORDS", []string{"סוללה", "מצבר", "טעינה", "battery", "charg"}),
		NotificationMaxAge: getEnvDuration("NOTIFICATION_MAX_AGE", 2*time.Minute),
		Timezone:           getEnv("TIMEZONE", "Asia/Jerusalem"),

		GotoIcon:    getEnv("GOTO_ICON", "assets/c2gFav.ico"),
		AutotelIcon: getEnv("AUTOTEL_ICON", "assets/autotelFav.ico"),
	}

	return cfg, nil
}

// Location 返回后台时间戳所使用的时区，加载失败时回退到本地时区
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvPositiveInt 非正数回退到默认值
func getEnvPositiveInt(key string, defaultValue int) int {
	if i := getEnvInt(key, defaultValue); i > 0 {
		return i
	}
	return defaultValue
}

// getEnvPositiveDuration 非正时长回退到默认值
func getEnvPositiveDuration(key string, defaultValue time.Duration) time.Duration {
	if d := getEnvDuration(key, defaultValue); d > 0 {
		return d
	}
	return defaultValue
}

// getEnvList 逗号分隔的列表
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
