package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"payflow-be/internal/gateway"

	"github.com/joho/godotenv"
)

type Config struct {
	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBPort     string
	AppPort    string
	AppEnv     string

	// ReturnURL / CancelURL are where providers send the customer back;
	// WebhookBaseURL is the public origin of this service.
	ReturnURL      string
	CancelURL      string
	WebhookBaseURL string

	Gateways gateway.Settings
}

func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		DBHost:         os.Getenv("DB_HOST"),
		DBUser:         os.Getenv("DB_USER"),
		DBPassword:     os.Getenv("DB_PASSWORD"),
		DBName:         os.Getenv("DB_NAME"),
		DBPort:         os.Getenv("DB_PORT"),
		AppPort:        os.Getenv("APP_PORT"),
		AppEnv:         os.Getenv("APP_ENV"),
		ReturnURL:      os.Getenv("PAYMENT_RETURN_URL"),
		CancelURL:      os.Getenv("PAYMENT_CANCEL_URL"),
		WebhookBaseURL: os.Getenv("WEBHOOK_BASE_URL"),
		Gateways:       loadGatewaySettings(),
	}

	if cfg.DBHost == "" {
		log.Fatal("Environment variables not loaded properly")
	}

	return cfg
}

func loadGatewaySettings() gateway.Settings {
	return gateway.Settings{
		Timeout: envDuration("GATEWAY_TIMEOUT_SECONDS", 30*time.Second),
		Stripe: gateway.StripeConfig{
			Enabled:       envBool("STRIPE_ENABLED"),
			SecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
			WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		},
		PayPal: gateway.PayPalConfig{
			Enabled:      envBool("PAYPAL_ENABLED"),
			ClientID:     os.Getenv("PAYPAL_CLIENT_ID"),
			ClientSecret: os.Getenv("PAYPAL_CLIENT_SECRET"),
			WebhookID:    os.Getenv("PAYPAL_WEBHOOK_ID"),
		},
		PayU: gateway.PayUConfig{
			Enabled:    envBool("PAYU_ENABLED"),
			APIKey:     os.Getenv("PAYU_API_KEY"),
			APILogin:   os.Getenv("PAYU_API_LOGIN"),
			MerchantID: os.Getenv("PAYU_MERCHANT_ID"),
			AccountID:  os.Getenv("PAYU_ACCOUNT_ID"),
		},
		Wompi: gateway.WompiConfig{
			Enabled:      envBool("WOMPI_ENABLED"),
			PublicKey:    os.Getenv("WOMPI_PUBLIC_KEY"),
			PrivateKey:   os.Getenv("WOMPI_PRIVATE_KEY"),
			EventsSecret: os.Getenv("WOMPI_EVENTS_SECRET"),
		},
		MercadoPago: gateway.MercadoPagoConfig{
			Enabled:       envBool("MERCADOPAGO_ENABLED"),
			AccessToken:   os.Getenv("MERCADOPAGO_ACCESS_TOKEN"),
			WebhookSecret: os.Getenv("MERCADOPAGO_WEBHOOK_SECRET"),
		},
	}
}

func envBool(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}
