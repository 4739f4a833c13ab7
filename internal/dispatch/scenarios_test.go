package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/pocketcmd/pocketcmd/internal/agent"
	"github.com/pocketcmd/pocketcmd/internal/config"
	"github.com/pocketcmd/pocketcmd/internal/dispatch"
	"github.com/pocketcmd/pocketcmd/internal/event"
	"github.com/pocketcmd/pocketcmd/internal/prompt"
)

var _ = Describe("Core", func() {
	var (
		ctx      context.Context
		bus      *event.Bus
		registry *agent.Registry
		rec      *recorder
		hooks    []string
		hooksMu  sync.Mutex
		exited   chan struct{}
		core     *dispatch.Core
	)

	register := func(name string, tweak func(*echoAgent)) {
		err := registry.Register(&agent.Definition{
			Name:        name,
			Description: "The " + name + " agent",
			New: func(_ context.Context, env *agent.Env) (agent.Agent, error) {
				a := &echoAgent{name: env.Name, hooks: &hooks, mu: &hooksMu}
				if tweak != nil {
					tweak(a)
				}
				return a, nil
			},
		})
		Expect(err).NotTo(HaveOccurred())
	}

	hookLog := func() []string {
		hooksMu.Lock()
		defer hooksMu.Unlock()
		return append([]string(nil), hooks...)
	}

	newCore := func(defaultAgent string) {
		core = dispatch.New(dispatch.Options{
			Bus:          bus,
			Registry:     registry,
			Prompt:       prompt.NewRequester(bus, time.Second),
			DefaultAgent: defaultAgent,
			Commands: map[string]config.CommandConfig{
				"review": {Description: "Ask for a review", Template: "review $1 with care: $ARGUMENTS"},
			},
			OnExit: func() { close(exited) },
			Log:    nop,
		})
		Expect(core.Start(ctx)).To(Succeed())
		drain(bus)
	}

	send := func(text string) {
		input(bus, text)
		drain(bus)
	}

	BeforeEach(func() {
		ctx = context.Background()
		bus = event.NewBus()
		registry = agent.NewRegistry()
		hooks = nil
		core = nil
		exited = make(chan struct{})
		rec = record(bus)

		register("main", nil)
		register("tools", nil)
	})

	AfterEach(func() {
		if core != nil {
			Expect(core.Stop(ctx)).To(Succeed())
		}
		closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		Expect(bus.Close(closeCtx)).To(Succeed())
	})

	Describe("startup", func() {
		It("activates the default agent", func() {
			newCore("main")

			Expect(core.ActiveAgent()).To(Equal("main"))
			Expect(core.ThreadID()).NotTo(BeEmpty())
			Expect(rec.Lifecycle()).To(Equal([]string{"activating:main"}))
			Expect(hookLog()).To(Equal([]string{"activate:main"}))
		})

		It("stays without an agent when the default cannot be resolved", func() {
			newCore("missing")

			Expect(core.ActiveAgent()).To(BeEmpty())
			Expect(rec.ErrorCodes()).To(Equal([]string{dispatch.CodeAgentResolution}))
		})
	})

	Describe("routing free-form input", func() {
		It("runs the active agent", func() {
			newCore("main")
			rec.Reset()

			send("hello there")

			runs := rec.RunsStarted()
			Expect(runs).To(HaveLen(1))
			Expect(runs[0].AgentName).To(Equal("main"))
			Expect(runs[0].ThreadID).To(Equal(core.ThreadID()))
			Expect(runs[0].RunID).NotTo(BeEmpty())
			Expect(rec.Messages()).To(Equal([]string{"assistant: main got: hello there"}))
		})

		It("reports no_active_agent without an agent", func() {
			newCore("")

			send("hello")

			Expect(rec.ErrorCodes()).To(Equal([]string{dispatch.CodeNoActiveAgent}))
			Expect(rec.RunsStarted()).To(BeEmpty())
		})

		It("ignores blank input", func() {
			newCore("main")
			rec.Reset()

			send("   ")

			Expect(rec.RunsStarted()).To(BeEmpty())
			Expect(rec.Errors()).To(BeEmpty())
		})
	})

	Describe("switching agents", func() {
		It("deactivates the old agent before activating the new one", func() {
			newCore("main")
			rec.Reset()

			send("/agent tools")

			Expect(core.ActiveAgent()).To(Equal("tools"))
			Expect(rec.Lifecycle()).To(Equal([]string{"deactivating:main", "activating:tools"}))
			Expect(hookLog()).To(Equal([]string{"activate:main", "deactivate:main", "activate:tools"}))
			Expect(rec.Messages()).To(Equal([]string{"system: Switched to 'tools' agent."}))

			rec.Reset()
			send("ping")
			Expect(rec.Messages()).To(Equal([]string{"assistant: tools got: ping"}))
		})

		It("keeps the old agent when resolution fails", func() {
			newCore("main")
			rec.Reset()

			send("/agent nope")

			Expect(core.ActiveAgent()).To(Equal("main"))
			Expect(rec.ErrorCodes()).To(Equal([]string{dispatch.CodeAgentResolution}))
			Expect(rec.Errors()[0].Message).To(ContainSubstring("nope"))
			Expect(rec.Lifecycle()).To(BeEmpty())

			rec.Reset()
			send("still here?")
			Expect(rec.Messages()).To(Equal([]string{"assistant: main got: still here?"}))
		})

		It("keeps the old agent when the factory fails", func() {
			Expect(registry.Register(&agent.Definition{
				Name: "broken",
				New: func(context.Context, *agent.Env) (agent.Agent, error) {
					return nil, errors.New("no credentials")
				},
			})).To(Succeed())
			newCore("main")
			rec.Reset()

			send("/agent broken")

			Expect(core.ActiveAgent()).To(Equal("main"))
			Expect(rec.Errors()).To(HaveLen(1))
			Expect(rec.Errors()[0].Detail).To(ContainSubstring("no credentials"))
			Expect(hookLog()).To(Equal([]string{"activate:main"}))
		})

		It("routes no input until a slow switch completes", func() {
			Expect(registry.Register(&agent.Definition{
				Name: "slow",
				New: func(_ context.Context, env *agent.Env) (agent.Agent, error) {
					time.Sleep(100 * time.Millisecond)
					return &echoAgent{name: env.Name, hooks: &hooks, mu: &hooksMu}, nil
				},
			})).To(Succeed())
			newCore("main")
			rec.Reset()

			input(bus, "/agent slow")
			input(bus, "first after switch")
			drain(bus)

			Expect(rec.Messages()).To(ContainElement("assistant: slow got: first after switch"))
			Expect(rec.Messages()).NotTo(ContainElement(ContainSubstring("main got")))
		})

		It("lets runs reserved before a switch finish on the old agent", func() {
			release := make(chan struct{})
			started := make(chan string, 1)
			registry.Unregister("main")
			register("main", func(a *echoAgent) {
				a.block = release
				a.started = started
			})
			newCore("main")
			rec.Reset()

			input(bus, "long job")
			Eventually(started).Should(Receive(Equal("long job")))

			input(bus, "/agent tools")
			Eventually(core.ActiveAgent).Should(Equal("tools"))

			close(release)
			drain(bus)

			Expect(rec.Messages()).To(ContainElement("assistant: main got: long job"))
			Expect(rec.Count(event.KindRunFinished)).To(Equal(1))
		})

		It("reports a failing activation without rolling back", func() {
			register("flaky", func(a *echoAgent) { a.activateErr = errors.New("warm-up failed") })
			newCore("main")
			rec.Reset()

			send("/agent flaky")

			Expect(core.ActiveAgent()).To(Equal("flaky"))
			Expect(rec.ErrorCodes()).To(Equal([]string{dispatch.CodeAgentActivation}))
			Expect(rec.Lifecycle()).To(Equal([]string{"deactivating:main", "activating:flaky"}))
		})

		It("refuses to switch to the active agent", func() {
			newCore("main")
			rec.Reset()

			send("/agent main")

			Expect(rec.Messages()).To(Equal([]string{"system: Already in 'main' agent."}))
			Expect(rec.Lifecycle()).To(BeEmpty())
		})

		It("prints usage without a name", func() {
			newCore("")

			send("/agent")

			Expect(rec.Messages()).To(Equal([]string{"system: Usage: /agent <name>\nCurrent agent: none"}))
		})
	})

	Describe("global commands", func() {
		BeforeEach(func() {
			newCore("main")
			rec.Reset()
		})

		It("lists commands with /help and its alias", func() {
			send("/help")
			send("/?")

			msgs := rec.Messages()
			Expect(msgs).To(HaveLen(2))
			Expect(msgs[0]).To(Equal(msgs[1]))
			for _, want := range []string{"/help", "/agents", "/agent <name>", "/exit", "/review", "aliases: /quit, /q"} {
				Expect(msgs[0]).To(ContainSubstring(want))
			}
			Expect(rec.RunsStarted()).To(BeEmpty(), "commands never reach the agent")
		})

		It("marks the active agent in /agents", func() {
			send("/agents")

			msgs := rec.Messages()
			Expect(msgs).To(HaveLen(1))
			Expect(msgs[0]).To(MatchRegexp(`main \(active\)\s+The main agent`))
			Expect(msgs[0]).To(ContainSubstring("tools"))
			Expect(msgs[0]).NotTo(ContainSubstring("tools (active)"))
		})

		It("suggests a close command", func() {
			send("/hlep")

			errs := rec.Errors()
			Expect(errs).To(HaveLen(1))
			Expect(errs[0].Code).To(Equal(dispatch.CodeUnknownCommand))
			Expect(errs[0].Message).To(Equal("Unknown command '/hlep'. Did you mean '/help'?"))
		})

		It("matches command words case-sensitively", func() {
			send("/HELP")

			Expect(rec.ErrorCodes()).To(Equal([]string{dispatch.CodeUnknownCommand}))
		})

		It("rejects an unbalanced quote", func() {
			send(`/agent "main`)

			Expect(rec.ErrorCodes()).To(Equal([]string{dispatch.CodeInvalidCommand}))
			Expect(core.ActiveAgent()).To(Equal("main"))
		})

		It("does not route commands to the agent", func() {
			send("/nosuch thing")

			Expect(rec.RunsStarted()).To(BeEmpty())
		})

		It("expands template commands into agent input", func() {
			send(`/review main.go "the parser"`)

			Expect(rec.Messages()).To(Equal([]string{"assistant: main got: review main.go with care: main.go the parser"}))
		})

		It("says goodbye and calls the exit hook", func() {
			send("/q")

			Expect(rec.Messages()).To(Equal([]string{"system: Goodbye!"}))
			Eventually(exited).Should(BeClosed())
		})
	})
})
