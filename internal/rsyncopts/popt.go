package rsyncopts

import (
	"fmt"
	"strconv"
	"strings"
)

// popt(3) argInfo values. Only the subset rsync's option table uses is
// implemented.
const (
	POPT_ARG_NONE   = 0 // no argument; stores 1 into arg (if non-nil)
	POPT_ARG_STRING = 1 // option takes a string argument
	POPT_ARG_INT    = 2 // option takes an int argument
	POPT_ARG_VAL    = 7 // no argument; stores val into arg

	POPT_ARG_MASK = 0x000000FF

	// POPT_ARGFLAG_OR makes POPT_ARG_VAL or the value into *arg instead
	// of overwriting it.
	POPT_ARGFLAG_OR = 0x08000000

	POPT_BIT_SET = POPT_ARG_VAL | POPT_ARGFLAG_OR
)

// popt(3) error codes (negative, like the C library's).
const (
	POPT_ERROR_NOARG     = -10 // option requires an argument
	POPT_ERROR_BADOPT    = -2  // unknown option
	POPT_ERROR_BADNUMBER = -17 // option argument is not a number
)

// PoptError reports a failure to parse the command line, carrying the
// offending option so that callers can special-case specific flags.
type PoptError struct {
	Errno int
	Opt   string // as written on the command line, including dashes

	// DaemonMode records that the error happened while re-parsing with
	// the daemon option table.
	DaemonMode bool
}

func (e *PoptError) Error() string {
	switch e.Errno {
	case POPT_ERROR_NOARG:
		return fmt.Sprintf("%s: option requires an argument", e.Opt)
	case POPT_ERROR_BADNUMBER:
		return fmt.Sprintf("%s: invalid numeric argument", e.Opt)
	default:
		return fmt.Sprintf("%s: unknown option", e.Opt)
	}
}

// poptOption is one row of an option table; the field order mirrors
// struct poptOption so the tables read like their upstream C
// counterparts.
type poptOption struct {
	longName  string
	shortName string
	argInfo   int
	arg       any // *int or *string, depending on argInfo; may be nil
	val       int
}

// Context is the state of one parse: the table in use, the arguments
// not yet consumed, and the non-option arguments collected so far.
type Context struct {
	Options *Options

	table []poptOption
	args  []string

	// RemainingArgs are the non-option ("leftover") arguments, in
	// command-line order.
	RemainingArgs []string

	next    int    // index into args
	shorts  string // unconsumed short options of the current "-abc" bundle
	shortsO string // the original bundle token, for error messages
	optArg  string // argument of the most recently processed option
}

func (pc *Context) findLong(name string) *poptOption {
	for i := range pc.table {
		if pc.table[i].longName == name {
			return &pc.table[i]
		}
	}
	return nil
}

func (pc *Context) findShort(name string) *poptOption {
	for i := range pc.table {
		if pc.table[i].shortName == name {
			return &pc.table[i]
		}
	}
	return nil
}

// poptGetOptArg returns the argument of the most recently processed
// option, for special-case handlers whose table entry carries no arg
// pointer.
func (pc *Context) poptGetOptArg() string { return pc.optArg }

// store applies one matched option, consuming its argument (inline
// "--opt=arg" text, the rest of a short bundle, or the next args entry)
// as the argInfo demands. It returns the option's val when the caller's
// special-case code needs to run, or 0 to keep parsing silently.
func (pc *Context) store(opt *poptOption, written string, inline string, haveInline bool) (int, error) {
	takeArg := func() (string, error) {
		if haveInline {
			return inline, nil
		}
		if pc.next >= len(pc.args) {
			return "", &PoptError{Errno: POPT_ERROR_NOARG, Opt: written}
		}
		arg := pc.args[pc.next]
		pc.next++
		return arg, nil
	}

	switch opt.argInfo & POPT_ARG_MASK {
	case POPT_ARG_NONE:
		if opt.arg != nil {
			*(opt.arg.(*int)) = 1
		}
		return opt.val, nil

	case POPT_ARG_VAL:
		if opt.argInfo&POPT_ARGFLAG_OR != 0 {
			*(opt.arg.(*int)) |= opt.val
		} else {
			*(opt.arg.(*int)) = opt.val
		}
		return 0, nil // POPT_ARG_VAL options are handled entirely here

	case POPT_ARG_STRING:
		arg, err := takeArg()
		if err != nil {
			return 0, err
		}
		pc.optArg = arg
		if opt.arg != nil {
			*(opt.arg.(*string)) = arg
		}
		return opt.val, nil

	case POPT_ARG_INT:
		arg, err := takeArg()
		if err != nil {
			return 0, err
		}
		pc.optArg = arg
		v, err := strconv.Atoi(arg)
		if err != nil {
			return 0, &PoptError{Errno: POPT_ERROR_BADNUMBER, Opt: written}
		}
		if opt.arg != nil {
			*(opt.arg.(*int)) = v
		}
		return opt.val, nil

	default:
		return 0, &PoptError{Errno: POPT_ERROR_BADOPT, Opt: written}
	}
}

// poptGetNextOpt processes options until it reaches one whose val the
// caller has to handle (returned), runs out of arguments (-1), or
// fails. Non-option arguments accumulate in RemainingArgs; like popt,
// parsing continues past them.
func (pc *Context) poptGetNextOpt() (int, error) {
	for {
		// Continue a "-abc" bundle before consuming new arguments.
		if pc.shorts != "" {
			name := pc.shorts[:1]
			pc.shorts = pc.shorts[1:]
			opt := pc.findShort(name)
			if opt == nil {
				return 0, &PoptError{Errno: POPT_ERROR_BADOPT, Opt: "-" + name}
			}
			inline := ""
			haveInline := false
			if (opt.argInfo&POPT_ARG_MASK == POPT_ARG_STRING ||
				opt.argInfo&POPT_ARG_MASK == POPT_ARG_INT) && pc.shorts != "" {
				// "-essh" style: the rest of the bundle is the argument.
				inline = pc.shorts
				haveInline = true
				pc.shorts = ""
			}
			val, err := pc.store(opt, "-"+name, inline, haveInline)
			if err != nil {
				return 0, err
			}
			if val != 0 {
				return val, nil
			}
			continue
		}

		if pc.next >= len(pc.args) {
			return -1, nil
		}
		arg := pc.args[pc.next]
		pc.next++

		switch {
		case arg == "--":
			// everything after "--" is a leftover argument
			pc.RemainingArgs = append(pc.RemainingArgs, pc.args[pc.next:]...)
			pc.next = len(pc.args)
			return -1, nil

		case strings.HasPrefix(arg, "--"):
			name := arg[2:]
			inline := ""
			haveInline := false
			if idx := strings.IndexByte(name, '='); idx > -1 {
				name, inline = name[:idx], name[idx+1:]
				haveInline = true
			}
			opt := pc.findLong(name)
			if opt == nil {
				return 0, &PoptError{Errno: POPT_ERROR_BADOPT, Opt: "--" + name}
			}
			val, err := pc.store(opt, "--"+name, inline, haveInline)
			if err != nil {
				return 0, err
			}
			if val != 0 {
				return val, nil
			}

		case len(arg) > 1 && strings.HasPrefix(arg, "-"):
			pc.shorts = arg[1:]
			pc.shortsO = arg

		default:
			// a non-option argument ("-" included: it names stdin)
			pc.RemainingArgs = append(pc.RemainingArgs, arg)
		}
	}
}
