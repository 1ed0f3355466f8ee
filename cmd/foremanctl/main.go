package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/foreman-io/foreman/internal/config"
	"github.com/foreman-io/foreman/internal/delegate"
	"github.com/foreman-io/foreman/internal/invoke"
	"github.com/foreman-io/foreman/internal/lock"
	"github.com/foreman-io/foreman/internal/progress"
	"github.com/foreman-io/foreman/internal/reserve"
	"github.com/foreman-io/foreman/internal/sprint"
	"github.com/foreman-io/foreman/internal/team"
	"github.com/foreman-io/foreman/internal/ticket"
	"github.com/foreman-io/foreman/pkg/protocol"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	switch os.Args[1] {
	case "ticket":
		if len(os.Args) < 3 {
			fatal("usage: foremanctl ticket <create|update|list|show|close|block>")
		}
		switch os.Args[2] {
		case "create":
			cmdTicketCreate(os.Args[3:])
		case "update":
			cmdTicketUpdate(os.Args[3:])
		case "list":
			cmdTicketList(os.Args[3:])
		case "show":
			requireArg(3, "foremanctl ticket show <id>")
			cmdTicketShow(os.Args[3])
		case "close":
			requireArg(3, "foremanctl ticket close <id>")
			cmdTicketClose(os.Args[3])
		case "block":
			cmdTicketBlock(os.Args[3:])
		default:
			fatal("unknown ticket subcommand: " + os.Args[2])
		}
	case "plan":
		requireArg(2, `foremanctl plan "<goal>"`)
		cmdPlan(strings.Join(os.Args[2:], " "))
	case "sprint":
		cmdSprint(os.Args[2:])
	case "review":
		cmdReview(os.Args[2:])
	case "status":
		cmdStatus()
	case "log":
		cmdLog(os.Args[2:])
	case "task":
		requireArg(2, `foremanctl task "<description>"`)
		cmdTask(strings.Join(os.Args[2:], " "))
	case "team":
		if len(os.Args) < 3 {
			fatal("usage: foremanctl team <create|list|status|messages|send|context|templates>")
		}
		switch os.Args[2] {
		case "create":
			cmdTeamCreate(os.Args[3:])
		case "list":
			cmdTeamList()
		case "status":
			requireArg(3, "foremanctl team status <id>")
			cmdTeamStatus(os.Args[3])
		case "messages":
			cmdTeamMessages(os.Args[3:])
		case "send":
			cmdTeamSend(os.Args[3:])
		case "context":
			cmdTeamContext(os.Args[3:])
		case "templates":
			cmdTeamTemplates()
		default:
			fatal("unknown team subcommand: " + os.Args[2])
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// --- wiring ---

type stack struct {
	cfg       *config.Config
	store     *ticket.SQLiteStore
	plog      *progress.Log
	engine    *delegate.Engine
	scheduler *sprint.Scheduler
	lock      *lock.FileLock
}

func loadConfig() *config.Config {
	path := os.Getenv("FOREMAN_CONFIG")
	if path == "" {
		if _, err := os.Stat("foreman.json"); err == nil {
			path = "foreman.json"
		}
	}
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		fatal(err.Error())
	}
	return cfg
}

// open wires the stack. Commands that write take the project lock, so
// they fail fast when foremand or another sprint holds it.
func open(write bool) *stack {
	cfg := loadConfig()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	if err := os.MkdirAll(cfg.Project.DataDir, 0o755); err != nil {
		fatal(fmt.Sprintf("create data dir: %v", err))
	}
	s := &stack{cfg: cfg}
	if write {
		s.lock = lock.New(filepath.Join(cfg.Project.DataDir, "foreman.lock"))
		if err := s.lock.TryLock(); err != nil {
			fatal(err.Error())
		}
	}

	store, err := ticket.NewSQLiteStore(filepath.Join(cfg.Project.DataDir, "foreman.db"), cfg.Project.TicketPrefix)
	if err != nil {
		fatal(err.Error())
	}
	s.store = store
	s.plog = progress.NewLog(cfg.Project.DataDir)

	invoker := invoke.NewSubprocess(cfg.Worker.Command, cfg.Worker.Args, cfg.Project.Root, logger)
	s.engine = delegate.NewEngine(store, invoker, s.plog, cfg, logger)

	templates, err := team.LoadTemplates(cfg.Project.TemplatesFile)
	if err != nil {
		fatal(err.Error())
	}
	coordinator := team.NewCoordinator(store, s.engine, reserve.NewRegistry(), templates, s.plog, cfg, logger)
	s.scheduler = sprint.NewScheduler(store, s.engine, coordinator, s.plog, cfg, logger)
	return s
}

func (s *stack) close() {
	s.store.Close()
	if s.lock != nil {
		s.lock.Unlock()
	}
}

// --- ticket commands ---

func cmdTicketCreate(args []string) {
	fs := flag.NewFlagSet("ticket create", flag.ExitOnError)
	title := fs.String("title", "", "Ticket title (required)")
	desc := fs.String("desc", "", "Description")
	typ := fs.String("type", "task", "Type: epic|feature|bug|task|spike")
	priority := fs.String("priority", "medium", "Priority: critical|high|medium|low")
	role := fs.String("role", "", "Assigned role")
	parent := fs.String("parent", "", "Parent epic id")
	deps := fs.String("deps", "", "Comma-separated dependency ids")
	criteria := fs.String("criteria", "", "Semicolon-separated acceptance criteria")
	mode := fs.String("team-mode", "", "solo|collaborative")
	template := fs.String("template", "", "Team template name")
	todo := fs.Bool("todo", false, "Create in todo instead of backlog")
	fs.Parse(args)

	s := open(true)
	defer s.close()

	t, err := s.store.CreateTicket(&protocol.Ticket{
		Title:              *title,
		Description:        *desc,
		Type:               protocol.TicketType(*typ),
		Priority:           protocol.Priority(*priority),
		AssignedRole:       protocol.Role(*role),
		ParentTicket:       *parent,
		AcceptanceCriteria: splitList(*criteria, ";"),
		TeamMode:           protocol.TeamMode(*mode),
		TeamTemplate:       *template,
	})
	if err != nil {
		fatal(err.Error())
	}
	if d := splitList(*deps, ","); len(d) > 0 {
		if t, err = s.store.UpdateTicket(t.ID, ticket.Patch{Dependencies: &d}); err != nil {
			fatal(err.Error())
		}
	}
	if *todo {
		st := protocol.StatusTodo
		if t, err = s.store.UpdateTicket(t.ID, ticket.Patch{Status: &st}); err != nil {
			fatal(err.Error())
		}
	}
	fmt.Println(t.ID)
}

func cmdTicketUpdate(args []string) {
	fs := flag.NewFlagSet("ticket update", flag.ExitOnError)
	id := fs.String("id", "", "Ticket id (required)")
	status := fs.String("status", "", "New status")
	title := fs.String("title", "", "New title")
	desc := fs.String("desc", "", "New description")
	priority := fs.String("priority", "", "New priority")
	role := fs.String("role", "", "New assigned role")
	deps := fs.String("deps", "", "Comma-separated dependency ids (replaces)")
	fs.Parse(args)
	if *id == "" {
		fatal("ticket update: -id is required")
	}

	s := open(true)
	defer s.close()

	patch := ticket.Patch{}
	if *status != "" {
		st := protocol.TicketStatus(*status)
		patch.Status = &st
	}
	if *title != "" {
		patch.Title = title
	}
	if *desc != "" {
		patch.Description = desc
	}
	if *priority != "" {
		p := protocol.Priority(*priority)
		patch.Priority = &p
	}
	if *role != "" {
		r := protocol.Role(*role)
		patch.AssignedRole = &r
	}
	if *deps != "" {
		d := splitList(*deps, ",")
		patch.Dependencies = &d
	}
	t, err := s.store.UpdateTicket(*id, patch)
	if err != nil {
		fatal(err.Error())
	}
	fmt.Printf("%s %s %s\n", t.ID, t.Status, t.Title)
}

func cmdTicketList(args []string) {
	fs := flag.NewFlagSet("ticket list", flag.ExitOnError)
	status := fs.String("status", "", "Filter by status")
	role := fs.String("role", "", "Filter by assigned role")
	typ := fs.String("type", "", "Filter by type")
	fs.Parse(args)

	s := open(false)
	defer s.close()

	tickets, err := s.store.ListTickets(ticket.Filter{
		Status: protocol.TicketStatus(*status),
		Role:   protocol.Role(*role),
		Type:   protocol.TicketType(*typ),
	})
	if err != nil {
		fatal(err.Error())
	}
	for _, t := range tickets {
		deps := ""
		if len(t.Dependencies) > 0 {
			deps = " <- " + strings.Join(t.Dependencies, ",")
		}
		fmt.Printf("%-10s %-12s %-9s %-10s %s%s\n", t.ID, t.Status, t.Priority, t.AssignedRole, t.Title, deps)
	}
}

func cmdTicketShow(id string) {
	s := open(false)
	defer s.close()

	t, err := s.store.GetTicket(id)
	if err != nil {
		fatal(err.Error())
	}
	fmt.Println(prettyJSON(t))
}

func cmdTicketClose(id string) {
	s := open(true)
	defer s.close()

	t, err := s.engine.Approve(id, "closed manually")
	if err != nil {
		fatal(err.Error())
	}
	fmt.Printf("%s %s\n", t.ID, t.Status)
}

func cmdTicketBlock(args []string) {
	fs := flag.NewFlagSet("ticket block", flag.ExitOnError)
	id := fs.String("id", "", "Ticket id (required)")
	reason := fs.String("reason", "", "Why the ticket is blocked")
	fs.Parse(args)
	if *id == "" {
		fatal("ticket block: -id is required")
	}

	s := open(true)
	defer s.close()

	blocked := protocol.StatusBlocked
	t, err := s.store.UpdateTicket(*id, ticket.Patch{Status: &blocked, ReviewNotes: reason})
	if err != nil {
		fatal(err.Error())
	}
	fmt.Printf("%s %s\n", t.ID, t.Status)
}

// --- orchestration commands ---

func cmdPlan(goal string) {
	s := open(true)
	defer s.close()

	created, err := s.scheduler.Plan(context.Background(), goal)
	if err != nil {
		fatal(err.Error())
	}
	for _, t := range created {
		fmt.Printf("%-10s %-8s %-9s %s\n", t.ID, t.Type, t.Priority, t.Title)
	}
}

func cmdSprint(args []string) {
	fs := flag.NewFlagSet("sprint", flag.ExitOnError)
	soloOnly := fs.Bool("solo-only", false, "Force solo delegation, ignore team_mode")
	autoApprove := fs.Bool("auto-approve", false, "Approve in_review tickets inside the loop")
	fs.Parse(args)

	s := open(true)
	defer s.close()
	if *soloOnly {
		s.cfg.Sprint.SoloOnly = true
	}
	if *autoApprove {
		s.cfg.Sprint.AutoApprove = true
	}

	rep, err := s.scheduler.Run(context.Background())
	fmt.Printf("iterations=%d dispatched=%d done=%d in_review=%d blocked=%d\n",
		rep.Iterations, len(rep.Dispatched), rep.Done, rep.InReview, rep.Blocked)
	var derr *sprint.DeadlockError
	if errors.As(err, &derr) {
		fmt.Fprintf(os.Stderr, "sprint deadlocked, stuck tickets: %s\n", strings.Join(derr.Stuck, ", "))
		os.Exit(2)
	}
	if err != nil {
		fatal(err.Error())
	}
}

func cmdReview(args []string) {
	fs := flag.NewFlagSet("review", flag.ExitOnError)
	auto := fs.Bool("auto", false, "Approve without invoking the reviewer")
	fs.Parse(args)

	s := open(true)
	defer s.close()

	done, err := s.scheduler.Review(context.Background(), *auto)
	for _, id := range done {
		fmt.Printf("%s done\n", id)
	}
	if err != nil {
		fatal(err.Error())
	}
	if len(done) == 0 {
		fmt.Println("nothing approved")
	}
}

func cmdStatus() {
	s := open(false)
	defer s.close()

	st, err := s.scheduler.Status()
	if err != nil {
		fatal(err.Error())
	}
	fmt.Printf("tickets: %d total\n", st.Total)
	for _, status := range []protocol.TicketStatus{
		protocol.StatusBacklog, protocol.StatusTodo, protocol.StatusInProgress,
		protocol.StatusInReview, protocol.StatusDone, protocol.StatusBlocked,
	} {
		if n := st.Tickets[status]; n > 0 {
			fmt.Printf("  %-12s %d\n", status, n)
		}
	}
	if st.Total > 0 {
		fmt.Printf("complete: %d%%\n", 100*st.Tickets[protocol.StatusDone]/st.Total)
	}
	if len(st.Ready) > 0 {
		fmt.Printf("ready: %s\n", strings.Join(st.Ready, ", "))
	}
	if len(st.Blocked) > 0 {
		blocked, err := s.store.ListTickets(ticket.Filter{Status: protocol.StatusBlocked})
		if err != nil {
			fatal(err.Error())
		}
		fmt.Println("blocked:")
		for _, t := range blocked {
			fmt.Printf("  %-10s %s\n", t.ID, firstLine(t.ReviewNotes))
		}
	}
	if len(st.Stuck) > 0 {
		fmt.Printf("deadlocked: %s\n", strings.Join(st.Stuck, ", "))
	}
	if len(st.Teams) > 0 {
		fmt.Println("teams:")
		for status, n := range st.Teams {
			fmt.Printf("  %-12s %d\n", status, n)
		}
	}
	if entries, err := s.plog.Read(time.Now().UTC()); err == nil && len(entries) > 0 {
		last := entries[len(entries)-1]
		fmt.Printf("last activity: %s %s %s %s\n",
			last.Timestamp.Format("15:04:05"), last.TicketID, last.Action, last.Message)
	}
}

func cmdLog(args []string) {
	fs := flag.NewFlagSet("log", flag.ExitOnError)
	day := fs.String("date", "", "Day to show (YYYY-MM-DD, default today)")
	fs.Parse(args)

	s := open(false)
	defer s.close()

	when := time.Now().UTC()
	if *day != "" {
		parsed, err := time.Parse("2006-01-02", *day)
		if err != nil {
			fatal("log: bad date, want YYYY-MM-DD")
		}
		when = parsed
	}
	entries, err := s.plog.Read(when)
	if err != nil {
		fatal(err.Error())
	}
	for _, e := range entries {
		fmt.Printf("%s %-10s %-10s %-18s %s\n",
			e.Timestamp.Format("15:04:05"), e.TicketID, e.Role, e.Action, e.Message)
	}
}

func cmdTask(description string) {
	s := open(true)
	defer s.close()

	res, err := s.engine.RunTask(context.Background(), description)
	if err != nil {
		fatal(err.Error())
	}
	if res.EscalatedTicket != "" {
		fmt.Printf("too complex for a one-shot run, filed as %s\n", res.EscalatedTicket)
		return
	}
	fmt.Printf("%s: %s\n", res.Report.Status, res.Report.Description)
	for _, f := range res.Report.FilesChanged {
		fmt.Println("  " + f)
	}
}

// --- team commands ---

func cmdTeamCreate(args []string) {
	fs := flag.NewFlagSet("team create", flag.ExitOnError)
	ticketID := fs.String("ticket", "", "Ticket id (required)")
	template := fs.String("template", "fullstack-team", "Team template name")
	fs.Parse(args)
	if *ticketID == "" {
		fatal("team create: -ticket is required")
	}

	s := open(true)
	defer s.close()

	templates, err := team.LoadTemplates(s.cfg.Project.TemplatesFile)
	if err != nil {
		fatal(err.Error())
	}
	tpl, ok := templates[*template]
	if !ok {
		fatal("unknown template: " + *template)
	}
	members := make([]protocol.TeamMember, len(tpl.Members))
	for i, m := range tpl.Members {
		members[i] = protocol.TeamMember{Role: m.Role, Focus: m.Focus, Scope: m.Scope, Status: protocol.MemberPending}
	}
	tm, err := s.store.CreateTeam(&protocol.Team{
		TicketID: *ticketID, Template: tpl.Name, Members: members, Lead: tpl.Lead, Mode: tpl.Mode,
	})
	if err != nil {
		fatal(err.Error())
	}
	fmt.Println(tm.ID)
}

func cmdTeamList() {
	s := open(false)
	defer s.close()

	teams, err := s.store.ListTeams()
	if err != nil {
		fatal(err.Error())
	}
	for _, tm := range teams {
		fmt.Printf("%-10s %-10s %-16s %-10s %s\n", tm.ID, tm.Status, tm.Template, tm.Mode, tm.TicketID)
	}
}

func cmdTeamStatus(id string) {
	s := open(false)
	defer s.close()

	tm, err := s.store.GetTeam(id)
	if err != nil {
		fatal(err.Error())
	}
	fmt.Printf("%s %s ticket=%s mode=%s lead=%s\n", tm.ID, tm.Status, tm.TicketID, tm.Mode, tm.Lead)
	for _, m := range tm.Members {
		fmt.Printf("  %-10s %-10s %s\n", m.Role, m.Status, m.Summary)
	}
}

func cmdTeamMessages(args []string) {
	fs := flag.NewFlagSet("team messages", flag.ExitOnError)
	id := fs.String("id", "", "Team id (required)")
	markRead := fs.String("mark-read", "", "Mark all messages read for this role")
	fs.Parse(args)
	if *id == "" {
		fatal("team messages: -id is required")
	}

	write := *markRead != ""
	s := open(write)
	defer s.close()

	if write {
		if err := s.store.MarkRead(*id, protocol.Role(*markRead)); err != nil {
			fatal(err.Error())
		}
	}
	msgs, err := s.store.ListMessages(*id)
	if err != nil {
		fatal(err.Error())
	}
	for _, m := range msgs {
		fmt.Printf("%s %s %s -> %s [%s] %s\n",
			m.ID, m.Timestamp.Format("15:04:05"), m.From, m.To, m.Type, m.Body)
	}
}

func cmdTeamSend(args []string) {
	fs := flag.NewFlagSet("team send", flag.ExitOnError)
	id := fs.String("id", "", "Team id (required)")
	from := fs.String("from", "", "Sender role (required)")
	to := fs.String("to", "", "Recipient role (default broadcast)")
	typ := fs.String("type", "info", "Message type: info|question|decision|blocked")
	body := fs.String("body", "", "Message body")
	fs.Parse(args)
	if *id == "" || *from == "" {
		fatal("team send: -id and -from are required")
	}

	s := open(true)
	defer s.close()

	m, err := s.store.AppendMessage(&protocol.Message{
		TeamID: *id,
		From:   protocol.Role(*from),
		To:     protocol.Role(*to),
		Type:   protocol.MessageType(*typ),
		Body:   *body,
	})
	if err != nil {
		fatal(err.Error())
	}
	fmt.Println(m.ID)
}

func cmdTeamContext(args []string) {
	fs := flag.NewFlagSet("team context", flag.ExitOnError)
	id := fs.String("id", "", "Team id (required)")
	decision := fs.String("add-decision", "", "Append a decision")
	author := fs.String("author", "", "Author role for -add-decision")
	noteKey := fs.String("note", "", "Note key to set (with -value)")
	noteValue := fs.String("value", "", "Note value")
	fs.Parse(args)
	if *id == "" {
		fatal("team context: -id is required")
	}

	write := *decision != "" || *noteKey != ""
	s := open(write)
	defer s.close()

	if *decision != "" {
		if err := s.store.AddDecision(*id, protocol.Decision{Text: *decision, Author: protocol.Role(*author)}); err != nil {
			fatal(err.Error())
		}
	}
	if *noteKey != "" {
		if err := s.store.SetNote(*id, *noteKey, *noteValue); err != nil {
			fatal(err.Error())
		}
	}
	ctx, err := s.store.GetContext(*id)
	if err != nil {
		fatal(err.Error())
	}
	fmt.Println(prettyJSON(ctx))
}

func cmdTeamTemplates() {
	cfg := loadConfig()
	templates, err := team.LoadTemplates(cfg.Project.TemplatesFile)
	if err != nil {
		fatal(err.Error())
	}
	for _, name := range team.TemplateNames(templates) {
		tpl := templates[name]
		roles := make([]string, len(tpl.Members))
		for i, m := range tpl.Members {
			roles[i] = string(m.Role)
		}
		fmt.Printf("%-16s %-10s lead=%-10s %s\n", name, tpl.Mode, tpl.Lead, strings.Join(roles, ", "))
	}
}

// --- helpers ---

func splitList(s, sep string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func prettyJSON(v any) string {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(out)
}

func requireArg(n int, usage string) {
	if len(os.Args) <= n {
		fatal("usage: " + usage)
	}
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, "error: "+msg)
	os.Exit(1)
}

func printUsage() {
	fmt.Println("foremanctl - ticket orchestration CLI")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  ticket create        Create a ticket (-title, -type, -priority, -parent, -deps, ...)")
	fmt.Println("  ticket update        Update a ticket (-id, -status, -deps, ...)")
	fmt.Println("  ticket list          List tickets (-status, -role, -type)")
	fmt.Println("  ticket show <id>     Dump one ticket as JSON")
	fmt.Println("  ticket close <id>    Approve an in_review ticket")
	fmt.Println("  ticket block         Block a ticket (-id, -reason)")
	fmt.Println("  plan \"<goal>\"        Ask the architect to break a goal into tickets")
	fmt.Println("  sprint               Run one sprint (-solo-only, -auto-approve)")
	fmt.Println("  review               Review in_review tickets (-auto)")
	fmt.Println("  status               Board summary")
	fmt.Println("  log                  Show the progress log (-date YYYY-MM-DD)")
	fmt.Println("  task \"<description>\" Run a one-shot helper task")
	fmt.Println("  team create          Form a team (-ticket, -template)")
	fmt.Println("  team list            List teams")
	fmt.Println("  team status <id>     Show a team and its members")
	fmt.Println("  team messages        Show a team's message log (-id, -mark-read <role>)")
	fmt.Println("  team send            Append a team message (-id, -from, -to, -type, -body)")
	fmt.Println("  team context         Show or update shared context (-id, -add-decision, -note/-value)")
	fmt.Println("  team templates       List team templates")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  FOREMAN_CONFIG       Config file path (default: ./foreman.json)")
}
