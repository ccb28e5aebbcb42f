package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"regexp"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/grouphour/groupbot/internal/chat"
	"github.com/grouphour/groupbot/internal/config"
	"github.com/grouphour/groupbot/internal/dispatch"
	"github.com/grouphour/groupbot/internal/event"
	"github.com/grouphour/groupbot/internal/handlers"
	"github.com/grouphour/groupbot/internal/link"
	"github.com/grouphour/groupbot/internal/logger"
	"github.com/grouphour/groupbot/internal/oauth"
	"github.com/grouphour/groupbot/internal/platform"
	"github.com/grouphour/groupbot/internal/server"
	"github.com/grouphour/groupbot/internal/signature"
	"github.com/grouphour/groupbot/internal/token"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideVerifier,
			providePlatformClient,
			provideChatFactory,
			provideBus,
			provideMatcher,
			provideProcessor,
			provideTokenCache,
			provideCorrelator,
			provideOAuthService,
			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(provideWebhookHandler),
			provideServerHandler(provideOAuthHandler),
			provideServer,
		),
		fx.Invoke(
			registerBotHandlers,
			startCorrelator,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideVerifier(log *slog.Logger, cfg config.Config) *signature.Verifier {
	return signature.NewVerifier(log, cfg.Bot.ClientSecret)
}

func providePlatformClient(log *slog.Logger, cfg config.Config) (*platform.Client, error) {
	timeout, err := cfg.Bot.SendTimeoutDuration()
	if err != nil {
		return nil, err
	}
	return platform.NewClient(log, cfg.Bot.APIEndpoint, timeout), nil
}

func provideChatFactory(log *slog.Logger, client *platform.Client) *chat.Factory {
	return chat.NewFactory(log, client)
}

func provideBus(log *slog.Logger) *dispatch.Bus {
	return dispatch.NewBus(log)
}

func provideMatcher(log *slog.Logger, cfg config.Config, bus *dispatch.Bus, chats *chat.Factory) *dispatch.Matcher {
	return dispatch.NewMatcher(log, bus, chats, cfg.Bot.GenericOnMatch)
}

func provideProcessor(log *slog.Logger, bus *dispatch.Bus, matcher *dispatch.Matcher, chats *chat.Factory) *dispatch.Processor {
	return dispatch.NewProcessor(log, bus, matcher, chats)
}

func provideTokenCache(log *slog.Logger, cfg config.Config) *token.Cache {
	exchanger := token.NewHTTPExchanger(cfg.Bot.APIEndpoint, 0)
	return token.NewCache(log, cfg.Bot.ClientSecret, exchanger)
}

func provideCorrelator(log *slog.Logger, cfg config.Config, chats *chat.Factory, cache *token.Cache) (*link.Correlator, error) {
	ttl, err := cfg.Link.PendingTTLDuration()
	if err != nil {
		return nil, err
	}
	return link.NewCorrelator(log, chats, cache, ttl), nil
}

func provideOAuthService(cfg config.Config) *oauth.Service {
	return oauth.NewService(cfg.OAuth2)
}

func provideWebhookHandler(log *slog.Logger, cfg config.Config, verifier *signature.Verifier, processor *dispatch.Processor, bus *dispatch.Bus, correlator *link.Correlator) *handlers.WebhookHandler {
	return handlers.NewWebhookHandler(log, verifier, processor, bus, correlator,
		cfg.Bot.VerifyToken, cfg.Bot.ClientSecret)
}

func provideOAuthHandler(log *slog.Logger, cfg config.Config, service *oauth.Service, correlator *link.Correlator) *handlers.OAuthHandler {
	return handlers.NewOAuthHandler(log, service, correlator, cfg.Bot.ClientSecret)
}

type serverParams struct {
	fx.In
	Logger   *slog.Logger
	Config   config.Config
	Handlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Handlers)
}

// registerBotHandlers wires the built-in bot behavior: a welcome on
// install, the account-link conversation, and error logging.
func registerBotHandlers(log *slog.Logger, cfg config.Config, bus *dispatch.Bus, matcher *dispatch.Matcher, correlator *link.Correlator, cache *token.Cache) {
	bus.Subscribe(event.KindBotInstalled, func(ctx context.Context, c *chat.Chat) {
		if err := ensureChatToken(ctx, cfg, cache, c); err != nil {
			log.Error("welcome message skipped", slog.Any("error", err))
			return
		}
		if err := c.SendText(ctx, "Hello! Say \"sign in\" whenever you want to link your account."); err != nil {
			log.Error("welcome message failed", slog.Any("error", err))
		}
	})

	matcher.HearRegexp(regexp.MustCompile(`(?i)\b(sign ?in|link)\b`), func(ctx context.Context, c *chat.Chat) {
		if tok, linked := correlator.Linked(c.UserID); linked && tok != "" {
			if err := ensureChatToken(ctx, cfg, cache, c); err != nil {
				log.Error("link status reply skipped", slog.Any("error", err))
				return
			}
			if err := c.SendText(ctx, fmt.Sprintf("@%s You are already signed in.", c.Username)); err != nil {
				log.Error("link status reply failed", slog.Any("error", err))
			}
			return
		}
		if err := correlator.OfferLink(ctx, c, "Tap the button below to link your account."); err != nil {
			log.Error("link offer failed", slog.Any("error", err))
		}
	})

	bus.SubscribeError(func(err error) {
		log.Warn("dispatch error", slog.Any("error", err))
	})
}

func ensureChatToken(ctx context.Context, cfg config.Config, cache *token.Cache, c *chat.Chat) error {
	if c.AccessToken != "" {
		return nil
	}
	orgID := c.OrgID
	if orgID == "" {
		orgID = cfg.Bot.OrgID
	}
	tok, err := cache.Get(ctx, cfg.Bot.ClientID, orgID)
	if err != nil {
		return err
	}
	c.SetAccessToken(tok.AccessToken)
	return nil
}

func startCorrelator(lc fx.Lifecycle, correlator *link.Correlator) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { correlator.Start(ctx); return nil },
		OnStop:  func(context.Context) error { cancel(); return nil },
	})
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, processor *dispatch.Processor, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			// let in-flight dispatches finish before the process exits
			processor.Wait()
			return nil
		},
	})
}
