package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/studyhall/collab/config"
	"github.com/studyhall/collab/globals"
	"github.com/studyhall/collab/persistence"
	"github.com/studyhall/collab/types"
)

// A very simple CLI tool for the administration of study rooms and members.

var configPath = pflag.StringP("config", "c", "", "path to config file or directory")

func main() {
	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()

	cfg, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}
	globals.AppLogger.SetLevel(hclog.LevelFromString(cfg.LogLevel))

	persister, err := persistence.NewPersister(cfg)
	if err != nil {
		panic(err)
	}
	if persister == nil {
		panic("no persistence configured")
	}
	defer persister.Close()

	var cmdShow = &cobra.Command{
		Use:   "show",
		Short: "Show rooms or members",
		Long:  `show prints room or membership information.`,
	}
	var cmdShowRooms = &cobra.Command{
		Use:   "rooms",
		Short: "Show rooms",
		Long:  `show rooms lists all rooms.`,
		Run: func(cmd *cobra.Command, args []string) {
			rooms, err := persister.GetRooms()
			if err != nil {
				globals.AppLogger.Error("could not get rooms", "error", err)
				return
			}
			r, err := json.Marshal(rooms)
			if err != nil {
				globals.AppLogger.Error("could not marshal rooms", "error", err)
				return
			}
			fmt.Println(string(r))
		},
	}
	var cmdShowRoom = &cobra.Command{
		Use:   "room [room id]",
		Short: "Show room",
		Long:  `show room prints detail information about the room with the given id.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			room := types.Room{Id: args[0]}
			err := persister.GetRoom(&room)
			if err != nil {
				globals.AppLogger.Error("could not get room", "error", err)
				return
			}
			r, err := json.Marshal(room)
			if err != nil {
				globals.AppLogger.Error("could not marshal room", "error", err)
				return
			}
			fmt.Println(string(r))
		},
	}
	var cmdShowMembers = &cobra.Command{
		Use:   "members [room id]",
		Short: "Show members",
		Long:  `show members lists the members of the room with the given id.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			members, err := persister.GetMembers(args[0])
			if err != nil {
				globals.AppLogger.Error("could not get members", "error", err)
				return
			}
			m, err := json.Marshal(members)
			if err != nil {
				globals.AppLogger.Error("could not marshal members", "error", err)
				return
			}
			fmt.Println(string(m))
		},
	}
	var cmdShowLog = &cobra.Command{
		Use:   "log [room id] [since seq]",
		Short: "Show message log",
		Long:  `show log prints the durable message log of a room, optionally starting after a sequence number.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			var since uint64
			if len(args) > 1 {
				since, err = strconv.ParseUint(args[1], 10, 64)
				if err != nil {
					globals.AppLogger.Error("invalid sequence number", "error", err)
					return
				}
			}
			entries, err := persister.EntriesSince(args[0], since, cfg.HistoryConfig.Size())
			if err != nil {
				globals.AppLogger.Error("could not get log entries", "error", err)
				return
			}
			e, err := json.Marshal(entries)
			if err != nil {
				globals.AppLogger.Error("could not marshal log entries", "error", err)
				return
			}
			fmt.Println(string(e))
		},
	}
	var cmdCreate = &cobra.Command{
		Use:   "create",
		Short: "Create a room",
	}
	var createCapacity int
	var createOwner string
	var cmdCreateRoom = &cobra.Command{
		Use:   "room [name]",
		Short: "Create room",
		Long:  `create room creates a room with a fresh unique room code and prints it.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			capacity := createCapacity
			if capacity <= 0 {
				capacity = cfg.RoomConfig.Capacity()
			}
			room, err := persistence.CreateRoom(persister, args[0], capacity, createOwner)
			if err != nil {
				globals.AppLogger.Error("could not create room", "error", err)
				return
			}
			r, err := json.Marshal(room)
			if err != nil {
				globals.AppLogger.Error("could not marshal room", "error", err)
				return
			}
			fmt.Println(string(r))
		},
	}
	var cmdDelete = &cobra.Command{
		Use:   "delete",
		Short: "Delete room or member",
	}
	var cmdDeleteRoom = &cobra.Command{
		Use:   "room [room id]",
		Short: "Delete room",
		Long:  `delete room removes the room with the given id, including members, log entries and the document snapshot.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			room := types.Room{Id: args[0]}
			if err := persister.DeleteRoom(&room); err != nil {
				globals.AppLogger.Error("could not delete room", "error", err)
				return
			}
		},
	}
	var cmdDeleteMember = &cobra.Command{
		Use:   "member [room id] [user id]",
		Short: "Delete member",
		Long:  `delete member removes the user from the room's member list.`,
		Args:  cobra.MinimumNArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			member := types.Member{RoomId: args[0], UserId: args[1]}
			if err := persister.DeleteMember(&member); err != nil {
				globals.AppLogger.Error("could not delete member", "error", err)
				return
			}
		},
	}

	cmdCreateRoom.Flags().IntVar(&createCapacity, "capacity", 0, "room capacity (default from config)")
	cmdCreateRoom.Flags().StringVar(&createOwner, "owner", "", "user id of the room owner")

	var rootCmd = &cobra.Command{Use: "collab-admin"}
	rootCmd.AddCommand(cmdShow, cmdCreate, cmdDelete)
	cmdShow.AddCommand(cmdShowRooms, cmdShowRoom, cmdShowMembers, cmdShowLog)
	cmdCreate.AddCommand(cmdCreateRoom)
	cmdDelete.AddCommand(cmdDeleteRoom, cmdDeleteMember)
	rootCmd.Execute()
}
