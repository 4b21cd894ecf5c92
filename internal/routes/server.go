package routes

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"time"

	"reslock_server/internal/docs"
	"reslock_server/pkg/background"
	"reslock_server/pkg/db"
	"reslock_server/pkg/dispatcher"
	"reslock_server/pkg/logger"

	"github.com/gorilla/handlers"
	"github.com/spf13/viper"
)

// Server :
// Defines a server that can be used to expose the document
// store guarded by the resource lock. The server can be
// built from the input database and logger and will perform
// the listening to handle the clients' requests.
//
// The `port` allows to determine which port should be used
// by the server to accept incoming requests. This is usually
// set in the configuration so as not to conflict with any
// other API.
//
// The `router` defines the element to use to perform the
// routing and receive clients requests. This object will be
// populated to reflect the routes available on this server
// and started upon calling the `Serve` method.
//
// The `documents` represents the store guarding the access
// to the documents of the main DB through the resource
// lock. All the endpoints of this server are thin wrappers
// around its operations.
//
// The `proxy` defines the DB to use to access to the data.
//
// The `log` allows to perform most of the logging on any
// action done by the server such as logging connections or
// generally any useful information that could be monitored
// by the execution system of the server.
//
// The `process` defines the background process that is used
// to periodically sweep the dead entries from the lock's
// bookkeeping.
//
// The `startedAt` records the time at which the server was
// created, used by the diagnostics endpoint.
type Server struct {
	port      int
	router    *dispatcher.Router
	documents *docs.DocumentStore

	proxy db.Proxy
	log   logger.Logger

	process *background.Process

	startedAt time.Time
}

// ErrUnexpectedServeError : Indicates that an error occurred
// while serving the root endpoint.
var ErrUnexpectedServeError = fmt.Errorf("Unexpected error occurred while serving http requests")

// ErrServerShutdownError : Indicates that an error occurred
// while shutting down the server.
var ErrServerShutdownError = fmt.Errorf("Unexpected error occurred while shutting down the server")

// configuration :
// Defines the custom properties that can be defined for the
// server through the configuration file.
//
// The `SweepInterval` defines the time interval between two
// consecutive sweeps of the lock's bookkeeping. The duration
// is expressed in minutes and the default value is set to
// `5`.
type configuration struct {
	SweepInterval time.Duration
}

// parseConfiguration :
// Used to parse the configuration file and environment
// variables provided when executing this server to get
// the values of the `Server` properties.
//
// Returns the parsed configuration where all non-set
// properties have their default values.
func parseConfiguration() configuration {
	// Create the default configuration.
	config := configuration{
		SweepInterval: 5 * time.Minute,
	}

	// Parse custom properties.
	if viper.IsSet("Server.SweepInterval") {
		min := viper.GetInt("Server.SweepInterval")
		config.SweepInterval = time.Duration(min) * time.Minute
	}

	return config
}

// NewServer :
// Create a new server with the input elements to use
// internally to access data and perform logging.
//
// The `port` defines the port to listen to by the server.
//
// The `proxy` represents the DB to use to fetch data when
// needed to answer clients' requests.
//
// The `log` is used to notify from various processes in the
// server and keep track of the activity.
func NewServer(port int, proxy db.Proxy, log logger.Logger) Server {
	// Create the document store guarded by the resource
	// lock.
	store := docs.NewDocumentStore(proxy, log)

	// Create the background process which keeps the lock's
	// bookkeeping free of dead entries.
	config := parseConfiguration()

	p := background.NewProcess(config.SweepInterval, log)

	p.WithModule("sweep").WithOperation(
		func() (bool, error) {
			elided := store.Sweep()
			if elided > 0 {
				log.Trace(logger.Debug, "sweep", fmt.Sprintf("Swept %d dead resource(s) from lock table", elided))
			}

			return true, nil
		},
	)

	return Server{
		port:      port,
		router:    nil,
		documents: store,

		proxy: proxy,
		log:   log,

		process: p,

		startedAt: time.Now(),
	}
}

// Serve :
// Used to start listening to the port associated to this
// server and handle incoming requests. This will return
// an error in case something went wrong while listening
// to the port.
//
// Returns any error occurred during the serve operation.
func (s *Server) Serve() error {
	// Create a new router if one is not already started.
	if s.router != nil {
		panic(fmt.Errorf("Cannot start serving lock server, process already running"))
	}

	s.router = dispatcher.NewRouter(s.log)

	// Setup routes.
	s.routes()

	// Wrap the router in a server allowing all origins.
	aMethods := handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"})
	aOrigins := handlers.AllowedOrigins([]string{"*"})
	aHeaders := handlers.AllowedHeaders([]string{"Origin", "X-Requested-With", "Content-Type", "Accept", "Authorization"})
	corsRouter := handlers.CORS(aHeaders, aOrigins, aMethods)(s.router)

	// Create the server which will serve requests and
	// support a graceful shutdown.
	server := &http.Server{
		Addr:    ":" + strconv.FormatInt(int64(s.port), 10),
		Handler: corsRouter,
	}

	// Start the routine which keeps the lock's bookkeeping
	// clean.
	err := s.process.Start()
	if err != nil {
		return err
	}

	// Serve the root path.
	var serveErr error
	wg := sync.WaitGroup{}
	wg.Add(1)

	go func() {
		defer wg.Done()

		err := server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			s.log.Trace(logger.Error, "server", fmt.Sprintf("Caught unexpected error while serving (err: %v)", err))
			serveErr = ErrUnexpectedServeError
		}
	}()

	s.log.Trace(logger.Notice, "server", fmt.Sprintf("Listening on port %d", s.port))

	// Wait for an interruption signal to shut the server
	// down.
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	<-interrupt

	s.log.Trace(logger.Notice, "server", "Shutting down")

	s.process.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return ErrServerShutdownError
	}

	wg.Wait()

	return serveErr
}
